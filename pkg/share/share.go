// Package share defines the data model shared by every sharewatchd
// component: the user-facing ShareConfig, the Coordinator-owned
// ShareState, and the transient views (MountRecord, RouteInfo) that the
// Inspector and VPN/Route Monitor hand back on every query.
package share

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol is the remote file-sharing protocol a Share speaks.
type Protocol string

const (
	SMB Protocol = "smb"
	AFP Protocol = "afp"
	NFS Protocol = "nfs"
)

// DefaultPort returns the well-known port for the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case SMB:
		return 445
	case AFP:
		return 548
	case NFS:
		return 2049
	default:
		return 0
	}
}

// RequiresAuth reports whether the protocol normally requires credentials.
// NFS does not; see the §9 open question on anonymous-share credential
// lookup for why this is distinct from whether credentials are fetched.
func (p Protocol) RequiresAuth() bool {
	return p != NFS
}

func (p Protocol) Valid() bool {
	switch p {
	case SMB, AFP, NFS:
		return true
	default:
		return false
	}
}

// RetryStrategy names one of the built-in backoff envelopes a share can
// be assigned; see pkg/share/retry for the concrete {base, multiplier,
// maxAttempts} each one carries.
type RetryStrategy string

const (
	Aggressive   RetryStrategy = "aggressive"
	Normal       RetryStrategy = "normal"
	Conservative RetryStrategy = "conservative"
	Manual       RetryStrategy = "manual"
)

// ManagementState is whether sharewatchd is allowed to auto-act on a share.
type ManagementState string

const (
	Enabled  ManagementState = "enabled"
	Disabled ManagementState = "disabled"
)

// ShareConfig is the identity and intent of a configured share. It is
// treated as immutable for the duration of a single evaluation cycle;
// edits flow in as a fresh value from the Repository.
type ShareConfig struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`

	Protocol      Protocol `json:"protocol"`
	ServerAddress string   `json:"serverAddress"`
	ShareName     string   `json:"shareName"`
	MountPath     string   `json:"mountPath"`

	Username string `json:"username"`
	// SaveCredentials mirrors the original's behavior verbatim (§9 open
	// question): credentials are looked up only when this is true AND
	// Username is non-empty, even for NFS which does not require auth.
	SaveCredentials bool `json:"saveCredentials"`

	RequiresVPN bool `json:"requiresVPN"`
	ReadOnly    bool `json:"readOnly"`
	Hidden      bool `json:"hidden"`

	RetryStrategyName   RetryStrategy  `json:"retryStrategy"`
	MaxRetryAttempts    *int           `json:"maxRetryAttempts,omitempty"`
	CustomRetryInterval *time.Duration `json:"customRetryInterval,omitempty"`

	ManagementState ManagementState `json:"managementState"`

	// PinnedVersion optionally forces the SMB/NFS "vers=" mount option.
	PinnedVersion string `json:"pinnedVersion,omitempty"`
}

// NewShareConfig builds a ShareConfig with a freshly generated ID and the
// library defaults (Enabled, Normal retry strategy; Username empty and
// SaveCredentials false).
func NewShareConfig(protocol Protocol, serverAddress, shareName string) ShareConfig {
	return ShareConfig{
		ID:                uuid.NewString(),
		Protocol:          protocol,
		ServerAddress:     serverAddress,
		ShareName:         shareName,
		RetryStrategyName: Normal,
		ManagementState:   Enabled,
	}
}

// Validate checks the invariants spec.md §3 places on a ShareConfig in
// isolation (uniqueness of ID across a set is the Repository's concern,
// not checked here).
func (c ShareConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("share config: id is required")
	}
	if strings.TrimSpace(c.ServerAddress) == "" {
		return fmt.Errorf("share config %s: serverAddress is required", c.ID)
	}
	if strings.TrimSpace(c.ShareName) == "" {
		return fmt.Errorf("share config %s: shareName is required", c.ID)
	}
	if !c.Protocol.Valid() {
		return fmt.Errorf("share config %s: unknown protocol %q", c.ID, c.Protocol)
	}
	return nil
}

// EffectiveMountPath returns MountPath, or the default
// <home>/NetworkDrives/<sanitized-shareName> when it is empty.
func (c ShareConfig) EffectiveMountPath(home string) string {
	if c.MountPath != "" {
		return c.MountPath
	}
	return fmt.Sprintf("%s/NetworkDrives/%s", strings.TrimRight(home, "/"), sanitizePathComponent(c.ShareName))
}

func sanitizePathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\x00':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// WantsCredentialLookup implements the §9 open question verbatim:
// credentials are fetched only when SaveCredentials is true and a
// Username is configured, regardless of whether the protocol requires
// auth.
func (c ShareConfig) WantsCredentialLookup() bool {
	return c.SaveCredentials && c.Username != ""
}

// Health is the sub-state of a Mounted share.
type Health string

const (
	Connected  Health = "connected"
	Degraded   Health = "degraded"
	Validating Health = "validating"
	Stale      Health = "stale"
)

// Status is the top-level lifecycle state, §4.7.
type Status string

const (
	StatusUnmounted  Status = "unmounted"
	StatusMounting   Status = "mounting"
	StatusMounted    Status = "mounted"
	StatusUnmounting Status = "unmounting"
	StatusError      Status = "error"
	StatusDisabled   Status = "disabled"
	// StatusStaleLegacy is the top-level Stale alias kept solely for
	// backward-compatible persisted state, per §9. It is never produced
	// by this implementation; IsStale treats it as Mounted(Stale).
	StatusStaleLegacy Status = "stale"
)

// ShareState is the Coordinator-owned runtime record for a share.
type ShareState struct {
	Status Status
	Health Health // meaningful only when Status == StatusMounted

	Attempt int
	MaxAttempts int
	LastError error

	OperationStart *time.Time

	ConsecutiveFailures int
	LastSuccessAt       *time.Time
	HealthFailures      int

	SuspendedUntil *time.Time
}

// NewShareState returns the initial runtime state for a freshly observed
// share: Unmounted, zeroed counters.
func NewShareState() *ShareState {
	return &ShareState{Status: StatusUnmounted}
}

// Clone returns a value copy safe to hand to an observer without data
// races against further Coordinator mutation.
func (s *ShareState) Clone() ShareState {
	if s == nil {
		return ShareState{Status: StatusUnmounted}
	}
	cp := *s
	return cp
}

// IsStale reports whether this state represents a stale mount, treating
// the legacy top-level Stale value as an alias for Mounted(Stale) per §9.
func (s ShareState) IsStale() bool {
	return s.Status == StatusStaleLegacy || (s.Status == StatusMounted && s.Health == Stale)
}

// IsSuspended reports whether auto-evaluation should currently ignore the
// share because of a recent user-initiated disconnect.
func (s ShareState) IsSuspended(now time.Time) bool {
	return s.SuspendedUntil != nil && now.Before(*s.SuspendedUntil)
}

// MountRecord is a transient view of one line of kernel mount-table
// truth, as returned by the Mount Inspector.
type MountRecord struct {
	MountPoint string
	Source     string
	FSType     string
	IsLocal    bool
	IsReadOnly bool
}

var networkFSTypes = map[string]bool{
	"smbfs": true, "afpfs": true, "nfs": true, "nfs4": true,
	"webdav": true, "cifs": true, "smb": true, "ftp": true, "afp": true,
	"fuse.sshfs": true,
}

// IsNetworkFSType reports whether fstype is one of the recognized
// network filesystem types (§3's derived-field fstype set).
func IsNetworkFSType(fstype string) bool {
	return networkFSTypes[strings.ToLower(fstype)]
}

// IsNetwork reports whether this mount is a network mount: a recognized
// network fstype, or anything not flagged local.
func (m MountRecord) IsNetwork() bool {
	return IsNetworkFSType(m.FSType) || !m.IsLocal
}

// Credential is never logged nor serialized to a general store; it only
// ever crosses the Keystore Adapter boundary.
type Credential struct {
	Server   string
	Username string
	Password string
	Port     int
	Protocol Protocol
}

// RouteInfo is a transient view of one routing-table lookup result.
type RouteInfo struct {
	Destination string
	Interface   string // empty if none
	Gateway     string // empty if none
	Flags       string
}

var vpnInterfacePrefixes = []string{"utun", "ppp", "ipsec", "tun", "tap", "wg"}

// IsVPNInterface reports whether the route's interface name looks like a
// VPN/tunnel device.
func (r RouteInfo) IsVPNInterface() bool {
	for _, p := range vpnInterfacePrefixes {
		if strings.HasPrefix(r.Interface, p) {
			return true
		}
	}
	return false
}

// linkLocalGatewaySentinels are gateway values that do not count as "a
// real gateway" for HasGateway's purposes (e.g. the all-zeros sentinel
// some route dumps use for an on-link route).
var linkLocalGatewaySentinels = map[string]bool{
	"": true, "0.0.0.0": true, "::": true, "link#": true,
}

// HasGateway reports whether the route carries a usable, non-sentinel
// gateway address.
func (r RouteInfo) HasGateway() bool {
	return !linkLocalGatewaySentinels[r.Gateway] && !strings.HasPrefix(r.Gateway, "link#")
}
