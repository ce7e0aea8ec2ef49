package catalog

import "time"

// BackupStatus is the monotonic lifecycle state of a Base Backup:
// in-progress -> exactly one of {ready, aborted}.
type BackupStatus string

const (
	BackupInProgress BackupStatus = "in-progress"
	BackupReady      BackupStatus = "ready"
	BackupAborted    BackupStatus = "aborted"
)

// StreamStatus is the lifecycle state of a registered Stream.
type StreamStatus string

const (
	StreamIdentified     StreamStatus = "identified"
	StreamStreaming      StreamStatus = "streaming"
	StreamShutdown       StreamStatus = "shutdown"
	StreamFailed         StreamStatus = "failed"
	StreamTimelineSwitch StreamStatus = "timeline-switch"
)

// Archive is one row of the archive table.
type Archive struct {
	ID          int64
	Name        string
	Directory   string
	Compression bool
}

// Backup is one row of the backup table.
type Backup struct {
	ID             int64
	ArchiveID      int64
	Label          string
	XLogPos        string
	XLogPosEnd     string
	Timeline       uint32
	FSEntry        string
	Started        time.Time
	Stopped        time.Time
	Pinned         bool
	Status         BackupStatus
	SystemID       string
	WALSegmentSize int64
	UsedProfile    string
	PGVersionNum   int
}

// BackupTablespace is one row of the backup_tablespaces table.
type BackupTablespace struct {
	BackupID    int64
	SpcOID      uint32
	SpcLocation string
	SpcSize     int64
}

// Stream is one row of the stream table.
type Stream struct {
	ID           int64
	ArchiveID    int64
	SType        string
	SlotName     string
	SystemID     string
	Timeline     uint32
	XLogPos      string
	DBName       string
	Status       StreamStatus
	RegisterDate time.Time
}

// BackupProfile is one row of the backup_profiles table.
type BackupProfile struct {
	ID                int64
	Name              string
	Compression       string
	MaxRate           int64
	LabelTemplate     string
	FastCheckpoint    bool
	IncludeWAL        bool
	WaitForWAL        bool
	VerifyChecksums   bool
	Manifest          bool
	ManifestChecksums string
}

// Proc is one row of the procs table.
type Proc struct {
	PID       int
	ArchiveID int64
	Type      string
	Started   time.Time
	State     string
	ShmKey    string
	ShmID     string
}

// Connection is one row of the connections table.
type Connection struct {
	ArchiveID  int64
	Type       string
	DSN        string
	PGHost     string
	PGPort     int
	PGUser     string
	PGDatabase string
}

// RetentionPolicy is a named ordered list of rules.
type RetentionPolicy struct {
	ID      int64
	Name    string
	Created time.Time
	Rules   []RetentionRule
}

// RetentionRuleType enumerates the rule kinds a RetentionPolicy can
// compose: keep/drop-by-label-regex, keep-newest/oldest-N,
// drop-older-than-interval, pin, unpin.
type RetentionRuleType string

const (
	RuleKeepLabelRegex RetentionRuleType = "keep-with-label-regex"
	RuleDropLabelRegex RetentionRuleType = "drop-with-label-regex"
	RuleKeepNewestN    RetentionRuleType = "keep-newest-n"
	RuleKeepOldestN    RetentionRuleType = "keep-oldest-n"
	RuleDropOlderThan  RetentionRuleType = "drop-older-than-interval"
	RulePin            RetentionRuleType = "pin"
	RuleUnpin          RetentionRuleType = "unpin"
)

// RetentionRule is one ordered rule within a RetentionPolicy.
type RetentionRule struct {
	Type  RetentionRuleType
	Value string
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
