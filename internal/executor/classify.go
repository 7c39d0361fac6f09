package executor

import (
	"errors"
	"net"
	"strings"

	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// technicalSignatures are transient infrastructure faults worth an
// in-process retry: rate limiting, network/socket trouble, timeouts.
var technicalSignatures = []string{
	"429",
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network",
	"socket",
	"unexpected eof",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
}

// validationSignatures mark a request or response rejected on shape.
var validationSignatures = []string{
	"invalid",
	"missing",
	"type",
	"validation",
	"schema",
	"malformed",
}

// classify buckets a tool failure by inspecting the error text and the
// tool's reported response, not the Go error type alone.
func classify(err error, resp *models.ToolResponse) models.FailureClass {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return models.FailureTechnical
		}
		if matchesAny(err.Error(), technicalSignatures) {
			return models.FailureTechnical
		}
		// A transport-level error that isn't a known transient
		// signature still reads as infrastructure, not semantics.
		return models.FailureTechnical
	}

	if resp != nil && !resp.Success {
		if matchesAny(resp.Error, technicalSignatures) {
			return models.FailureTechnical
		}
		if matchesAny(resp.Error, validationSignatures) {
			return models.FailureValidation
		}
	}
	return models.FailureLogic
}

func matchesAny(msg string, signatures []string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
