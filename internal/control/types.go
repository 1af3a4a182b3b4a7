package control

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
)

const (
	// SocketFileName is the filename of the control socket within the runtime dir.
	SocketFileName = "control.sock"

	// Action names supported by the control protocol.
	ActionStatus    = "status"
	ActionHistory   = "history"
	ActionReload    = "reload"
	ActionRulesGet  = "rules.get"
	ActionRulesSet  = "rules.set"
	ActionRulesList = "rules.list"
	ActionAppsList  = "apps.list"
	ActionAppsScan  = "apps.scan"

	// Response statuses.
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents a control API request.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Status describes the gate and its configuration.
type Status struct {
	State           engine.GateState     `json:"state"`
	Cooldown        engine.CooldownState `json:"cooldown"`
	CooldownMs      int64                `json:"cooldownMs"`
	MaxDepth        int                  `json:"maxDepth"`
	MaxClimb        int                  `json:"maxClimb"`
	SelfPackage     string               `json:"selfPackage"`
	IgnoredPackages []string             `json:"ignoredPackages,omitempty"`
	IgnoredPrefixes []string             `json:"ignoredPrefixes,omitempty"`
	DryRun          bool                 `json:"dryRun"`
	Metrics         *metrics.Snapshot    `json:"metrics,omitempty"`
}

// History carries recent activation records, oldest first.
type History struct {
	Entries []engine.ActivationRecord `json:"entries"`
}

// RuleEntry describes the stored rule for one application and the keyword
// set it produces.
type RuleEntry struct {
	App       string    `json:"app"`
	Raw       string    `json:"raw,omitempty"`
	Keywords  []string  `json:"keywords"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleList carries every stored rule.
type RuleList struct {
	Rules []RuleEntry `json:"rules"`
}

// AppEntry is one installed application and whether it has a custom rule.
type AppEntry struct {
	Package string `json:"package"`
	Label   string `json:"label"`
	HasRule bool   `json:"hasRule,omitempty"`
}

// AppList carries installed applications sorted by label.
type AppList struct {
	Apps []AppEntry `json:"apps"`
}

// DefaultSocketPath returns the expected location of the control socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("ADSKIPPER_CONTROL_SOCKET"); env != "" {
		return env, nil
	}
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "adskipper", SocketFileName), nil
}
