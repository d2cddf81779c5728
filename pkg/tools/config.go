package tools

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/TheEterna/real-agent-sub001/pkg/approval"
)

// ApprovalMode decides whether tool calls wait for a human decision.
type ApprovalMode string

const (
	ApprovalModeAuto     ApprovalMode = "AUTO"
	ApprovalModeRequire  ApprovalMode = "REQUIRE_APPROVAL"
	ApprovalModeDisabled ApprovalMode = "DISABLED"
)

func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch m := ApprovalMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ApprovalModeAuto, ApprovalModeRequire, ApprovalModeDisabled:
		return m, nil
	case "":
		return ApprovalModeAuto, nil
	default:
		return "", errors.Errorf("unknown approval mode %q", s)
	}
}

const DefaultExecutionTimeout = 60 * time.Second

// Config is the deployment-level dispatch configuration.
type Config struct {
	ApprovalMode     ApprovalMode  `json:"approval_mode" yaml:"approval_mode"`
	ApprovalTimeout  time.Duration `json:"approval_timeout" yaml:"approval_timeout"`
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ApprovalMode:     ApprovalModeAuto,
		ApprovalTimeout:  approval.DefaultTimeout,
		ExecutionTimeout: DefaultExecutionTimeout,
	}
}

func (c Config) WithApprovalMode(mode ApprovalMode) Config {
	c.ApprovalMode = mode
	return c
}

func (c Config) WithApprovalTimeout(timeout time.Duration) Config {
	c.ApprovalTimeout = timeout
	return c
}

func (c Config) WithExecutionTimeout(timeout time.Duration) Config {
	c.ExecutionTimeout = timeout
	return c
}
