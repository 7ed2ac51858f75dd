// Package logging configures the orchestrator's structured logger and
// provides credential-safe field redaction for values headed to subprocess
// env vars or stage records.
package logging

import (
	"log/slog"

	"github.com/m-mizutani/masq"
	log "github.com/sirupsen/logrus"
)

// Setup configures the shared logrus logger: JSON formatting and a level
// parsed from the given string, falling back to info on a bad value.
func Setup(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.JSONFormatter{})
}

// redactor applies masq's field-name-based redaction rules to the
// credential-shaped field names the orchestrator hands to subprocesses
// (tokens, secrets, API keys). It's built once and reused as a plain
// function rather than wired through slog, since the rest of the pipeline
// logs through logrus.
var redactor = masq.New(
	masq.WithFieldName("token"),
	masq.WithFieldName("Token"),
	masq.WithFieldName("secret"),
	masq.WithFieldName("Secret"),
	masq.WithFieldName("apikey"),
	masq.WithFieldName("ApiKey"),
	masq.WithFieldName("api_key"),
	masq.WithFieldName("credential"),
	masq.WithFieldName("Credential"),
	masq.WithFieldName("password"),
)

// RedactField returns value unchanged unless fieldName looks like a
// credential field, in which case it returns a masked placeholder. Used when
// logging the set of env vars passed to a stage subprocess so credential
// values never reach log files.
func RedactField(fieldName, value string) string {
	attr := redactor(nil, slog.String(fieldName, value))
	return attr.Value.String()
}

// SummarizeEnv turns a list of "KEY=VALUE" env assignments into a
// logrus.Fields map safe to log: credential-shaped values are redacted,
// everything else is passed through.
func SummarizeEnv(env []string) log.Fields {
	fields := make(log.Fields, len(env))
	for _, kv := range env {
		key, val := splitEnv(kv)
		if key == "" {
			continue
		}
		fields[key] = RedactField(key, val)
	}
	return fields
}

func splitEnv(kv string) (key, val string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return "", ""
}
