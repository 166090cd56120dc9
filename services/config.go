package services

import (
	"errors"
	"os"

	"github.com/alphabatem/common/context"
	"github.com/go-playground/validator/v10"
	"github.com/lac-hong-legacy/block-bots/dto"
	log "github.com/sirupsen/logrus"
)

// ConfigService loads the block bots configuration once and hands the same
// read-only value to every other service.
type ConfigService struct {
	context.DefaultService

	cfg *dto.Configuration
}

const CONFIG_SVC = "config_svc"

func (svc ConfigService) Id() string {
	return CONFIG_SVC
}

func (svc *ConfigService) Configure(ctx *context.Context) error {
	cfg, err := dto.LoadConfiguration(os.Getenv)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldErr := range dto.FormatValidationErrors(validationErrors) {
				log.WithField("field", fieldErr.Field).Error(fieldErr.Message)
			}
		}
		return err
	}
	svc.cfg = cfg

	log.WithFields(log.Fields{
		"enabled":   cfg.Enabled,
		"mode":      cfg.Mode,
		"limit":     cfg.Limit,
		"frequency": cfg.Frequency,
		"timezone":  cfg.Timezone,
		"bots":      len(cfg.AllowedBots),
	}).Info("Block bots configuration loaded")

	return svc.DefaultService.Configure(ctx)
}

func (svc *ConfigService) Start() error {
	return nil
}

func (svc *ConfigService) Config() *dto.Configuration {
	return svc.cfg
}
