package dataset

import (
	"fmt"
	"unicode/utf8"
)

// ValidationReport summarizes dataset health. It is informational only and
// never blocks downstream consumption.
type ValidationReport struct {
	Valid        bool               `json:"valid"`
	TotalSamples int                `json:"total_samples"`
	Issues       []string           `json:"issues"`
	Statistics   map[string]float64 `json:"statistics"`
}

// Validate checks samples against the required fields of format
func Validate(samples []Sample, format Format) ValidationReport {
	report := ValidationReport{
		Valid:        true,
		TotalSamples: len(samples),
		Issues:       []string{},
		Statistics:   map[string]float64{},
	}

	if len(samples) == 0 {
		report.Valid = false
		report.Issues = append(report.Issues, "No samples found")
		return report
	}

	n := float64(len(samples))
	switch format {
	case FormatAlpaca:
		var missingInstruction, missingOutput, instructionChars, outputChars int
		for _, s := range samples {
			a, _ := s.(AlpacaSample)
			if a.Instruction == "" {
				missingInstruction++
			}
			if a.Output == "" {
				missingOutput++
			}
			instructionChars += utf8.RuneCountInString(a.Instruction)
			outputChars += utf8.RuneCountInString(a.Output)
		}
		if missingInstruction > 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%d samples missing 'instruction'", missingInstruction))
		}
		if missingOutput > 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%d samples missing 'output'", missingOutput))
		}
		report.Statistics["avg_instruction_length"] = float64(instructionChars) / n
		report.Statistics["avg_output_length"] = float64(outputChars) / n

	case FormatShareGPT:
		var invalid, turns int
		for _, s := range samples {
			c, ok := s.(ConversationSample)
			if !ok || c.Conversations == nil {
				invalid++
				continue
			}
			turns += len(c.Conversations)
		}
		if invalid > 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%d samples have invalid conversations format", invalid))
		}
		report.Statistics["avg_conversations_per_sample"] = float64(turns) / n
	}

	report.Valid = len(report.Issues) == 0
	return report
}
