// Package dataerr holds the error types raised by the data pipeline. Callers
// match them with errors.As; end of data is io.EOF and never one of these.
package dataerr

import (
	"fmt"
	"strings"
)

// ConfigError reports an unusable configuration or manifest. It is raised at
// construction time, before any shard is read.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// FeaturePipelineError reports a failed external feature process or an archive
// that could not be parsed. It is not retried.
type FeaturePipelineError struct {
	Shard  string
	Stage  string
	Err    error
	Stderr string
}

func (e *FeaturePipelineError) Error() string {
	var b strings.Builder
	b.WriteString("feature pipeline")
	if e.Shard != "" {
		fmt.Fprintf(&b, " shard %s", e.Shard)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage %s", e.Stage)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *FeaturePipelineError) Unwrap() error { return e.Err }

// DataIntegrityError reports a shard whose content cannot feed the trainer,
// e.g. no utterance matched the label store.
type DataIntegrityError struct {
	Shard  string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: shard %s: %s", e.Shard, e.Reason)
}
