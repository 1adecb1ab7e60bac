package main

import (
	"log/syslog"

	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/hvacmon/dashproxy/internal/config"
)

func newLogger(cfg config.Config) (*log.Logger, error) {
	logger := log.New()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Environment == "production" {
		// add mozlog formatter
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "dashproxy",
		}
	}

	// add syslog hook if addr is provided
	if cfg.SyslogAddr != "" {
		hook, err := lSyslog.NewSyslogHook("udp", cfg.SyslogAddr, syslog.LOG_DEBUG, "dashproxy")
		if err != nil {
			return nil, err
		}
		logger.Hooks.Add(hook)
	}
	return logger, nil
}
