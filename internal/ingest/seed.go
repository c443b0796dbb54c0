package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/pharmarag/internal/retrieval"
)

type seedDoc struct {
	title string
	topic string
	text  string
}

var defaultCorpus = []seedDoc{
	{
		title: "21 CFR Part 11 electronic records",
		topic: "21_cfr_part_11",
		text: "21 CFR Part 11 sets the conditions under which electronic records and electronic signatures are " +
			"accepted as equivalent to paper records. Systems must be validated, keep secure computer-generated " +
			"audit trails with date and time stamps, limit access to authorized individuals and retain records " +
			"for their required retention period in a human-readable form.",
	},
	{
		title: "Good Manufacturing Practice",
		topic: "gmp",
		text: "Good Manufacturing Practice requires that products are consistently produced and controlled to the " +
			"quality standards appropriate to their intended use. Production processes are defined and " +
			"controlled, critical steps and changes are validated, operators are trained, and deviations are " +
			"recorded and investigated.",
	},
	{
		title: "Statistical process control",
		topic: "process_control",
		text: "Process control keeps critical process parameters within validated ranges. Control charts track " +
			"parameter drift, alert limits trigger review before action limits are reached, and out-of-trend " +
			"results are investigated even when they remain within specification.",
	},
	{
		title: "ICH Q7 active pharmaceutical ingredients",
		topic: "ich_q7",
		text: "ICH Q7 gives GMP guidance for the manufacture of active pharmaceutical ingredients. It covers the " +
			"quality unit's independence, documented change control, batch production records, in-process " +
			"controls and the handling of rejected or reprocessed material.",
	},
	{
		title: "Quality by Design",
		topic: "qbd",
		text: "Quality by Design builds quality into the process rather than testing it into the product. The " +
			"quality target product profile defines critical quality attributes, risk assessment links them to " +
			"material attributes and process parameters, and the design space describes the proven acceptable " +
			"ranges.",
	},
	{
		title: "ALCOA+ data integrity",
		topic: "alcoa_plus",
		text: "ALCOA+ describes the attributes of trustworthy data: attributable, legible, contemporaneous, original " +
			"and accurate, extended with complete, consistent, enduring and available. Manufacturing data that " +
			"feeds release decisions must meet these attributes throughout its lifecycle.",
	},
	{
		title: "ICH Q9 quality risk management",
		topic: "ich_q9",
		text: "ICH Q9 describes a systematic process for the assessment, control, communication and review of risks " +
			"to quality. The level of effort and documentation should match the level of risk, and risk " +
			"reviews are repeated when new knowledge about the process becomes available.",
	},
	{
		title: "Process validation lifecycle",
		topic: "process_validation",
		text: "Process validation follows three stages. Process design establishes the commercial process from " +
			"development knowledge. Process qualification confirms that the design performs reproducibly at " +
			"scale. Continued process verification gives ongoing assurance that the process stays in a state of " +
			"control.",
	},
	{
		title: "Analytical method validation",
		topic: "analytical_method_validation",
		text: "Analytical methods used for release and stability testing are validated for accuracy, precision, " +
			"specificity, detection and quantitation limits, linearity, range and robustness. Method changes " +
			"require a documented assessment and revalidation where the change affects performance.",
	},
	{
		title: "Environmental monitoring",
		topic: "environmental_monitoring",
		text: "Environmental monitoring of classified areas samples airborne particles, viable organisms and " +
			"surfaces at defined locations and frequencies. Excursions above alert or action levels are " +
			"trended, investigated and linked to any batches manufactured during the excursion.",
	},
	{
		title: "Equipment qualification",
		topic: "equipment_qualification",
		text: "Equipment is qualified through design, installation, operational and performance qualification " +
			"before use in production. Calibration and preventive maintenance keep it in a qualified state, and " +
			"requalification follows significant repairs or modifications.",
	},
}

// SeedDefaults inserts the default regulatory corpus into the documentation
// collection when that collection is empty. It returns the number of
// documents inserted.
func SeedDefaults(ctx context.Context, ix *retrieval.Index, now time.Time) (int, error) {
	n, err := ix.Store().Count(ctx, retrieval.CollectionDocumentation)
	if err != nil {
		return 0, fmt.Errorf("counting documentation: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	entries := make([]retrieval.Entry, len(defaultCorpus))
	for i, doc := range defaultCorpus {
		entries[i] = retrieval.Entry{
			Text: doc.title + "\n\n" + doc.text,
			Metadata: retrieval.Metadata{
				"title":  doc.title,
				"topic":  doc.topic,
				"source": "default_corpus",
			},
		}
	}
	if _, err := ix.InsertBatch(ctx, retrieval.CollectionDocumentation, entries, now); err != nil {
		return 0, fmt.Errorf("seeding default corpus: %w", err)
	}
	return len(defaultCorpus), nil
}
