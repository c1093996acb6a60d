package finetune

import "github.com/knights-analytics/finetune/config"

// validationSettings derives the validation split size and evaluation
// interval from the number of examples. Small datasets skip validation
// entirely rather than carve off examples that training needs more.
func validationSettings(cfg *config.Config, n int) (valSize, valInterval int) {
	if cfg.ValSize != nil {
		valSize = *cfg.ValSize
	} else if n >= 50 {
		valSize = n / 20
		if valSize < 5 {
			valSize = 5
		}
		if valSize > 100 {
			valSize = 100
		}
	}

	if cfg.ValInterval != nil {
		return valSize, *cfg.ValInterval
	}
	if valSize == 0 {
		return 0, config.ValNever
	}
	return valSize, 4 * ceilDiv(valSize, cfg.BatchSize)
}
