package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watch re-reads the config file whenever it changes and hands the new,
// validated config to onChange. Invalid edits are logged and ignored so the
// previous config stays in effect.
func Watch(v *viper.Viper, logger *zap.Logger, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid config change", zap.String("file", ev.Name), zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
		onChange(cfg)
	})
	v.WatchConfig()
}
