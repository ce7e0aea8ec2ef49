// Package retention implements the retention and lock engine:
// rule-driven backup-set partitioning interlocked against in-flight
// workers via the Worker Registry, plus the per-timeline WAL cleanup
// boundary it derives from the survivors. Rules fold an ordered
// backup list into keep/drop sets; a locked backup always survives,
// whatever the rules said.
package retention

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pgbckctl/pgbckctl/internal/archive"
	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/xlog"
)

// CleanupMode selects how a timeline's WAL cleanup boundary is turned
// into actual segment deletions.
type CleanupMode string

const (
	// CleanupRange deletes every segment strictly below the keep-from
	// boundary derived from the surviving backups.
	CleanupRange CleanupMode = "range"
	// CleanupOffsetFromOldest deletes every segment strictly below the
	// oldest surviving backup's position, the same boundary CleanupRange
	// uses; no additional segment offset is applied.
	CleanupOffsetFromOldest CleanupMode = "offset-from-oldest"
	// CleanupDeleteAll deletes every segment on a timeline that has no
	// surviving backup; on a timeline with a surviving backup it
	// deletes nothing.
	CleanupDeleteAll CleanupMode = "delete-all"
)

// WALBoundary is the computed "must keep from" position for one
// timeline after rule application.
type WALBoundary struct {
	Timeline  uint32
	KeepFrom  xlog.Pos
	HasKeeper bool // false when no surviving backup exists on this timeline
}

// Plan is the cleanup descriptor a policy evaluation produces: a set
// of backups to delete, a set to keep, and per-timeline WAL
// boundaries.
type Plan struct {
	Keep       []catalog.Backup
	Drop       []catalog.Backup
	Boundaries map[uint32]WALBoundary
}

// Report is the outcome of Apply: catalog deletions always succeed or
// the whole application is aborted; filesystem errors are collected
// without aborting, per failure semantics.
type Report struct {
	BackupsDeleted     int
	WALSegmentsDeleted int
	FSErrors           []error
}

// Engine evaluates and applies retention policies for one archive.
type Engine struct {
	DB      *catalog.DB
	Archive *archive.Archive
	Agg     Aggregator
}

// New constructs an Engine for one archive.
func New(db *catalog.DB, arc *archive.Archive, agg Aggregator) *Engine {
	return &Engine{DB: db, Archive: arc, Agg: agg}
}

// Evaluate loads an archive's backups and applies policy, returning
// the cleanup descriptor without touching the catalog or filesystem.
func (e *Engine) Evaluate(ctx context.Context, archiveID int64, policy catalog.RetentionPolicy) (Plan, error) {
	backups, err := e.DB.GetBackupList(ctx, archiveID)
	if err != nil {
		return Plan{}, wrap("evaluate: load backups", err)
	}
	return e.evaluateList(ctx, backups, policy)
}

func (e *Engine) evaluateList(ctx context.Context, backups []catalog.Backup, policy catalog.RetentionPolicy) (Plan, error) {
	drop := make(map[int64]catalog.Backup, len(backups))
	keep := make(map[int64]catalog.Backup)
	for _, b := range backups {
		drop[b.ID] = b
	}

	for _, rule := range policy.Rules {
		if err := e.applyRule(ctx, rule, backups, drop, keep); err != nil {
			return Plan{}, err
		}
	}

	// Lock-info pass: anything still marked for drop that is locked
	// (pinned, not ready, or referenced by an in-flight worker) moves
	// back to keep regardless of rule outcome.
	for id, b := range drop {
		locked, err := e.Agg.Locked(ctx, b)
		if err != nil {
			return Plan{}, wrap("evaluate: lock-info", err)
		}
		if locked {
			keep[id] = b
			delete(drop, id)
		}
	}

	plan := Plan{Boundaries: map[uint32]WALBoundary{}}
	for _, b := range backups {
		if _, ok := keep[b.ID]; ok {
			plan.Keep = append(plan.Keep, b)
		} else {
			plan.Drop = append(plan.Drop, b)
		}
	}
	plan.Boundaries = computeBoundaries(plan.Keep)
	return plan, nil
}

func (e *Engine) applyRule(ctx context.Context, rule catalog.RetentionRule, ordered []catalog.Backup, drop, keep map[int64]catalog.Backup) error {
	switch rule.Type {
	case catalog.RuleKeepNewestN:
		n, err := parseN(rule.Value)
		if err != nil {
			return wrap("apply-rule: keep-newest-n", err)
		}
		moved := 0
		for _, b := range ordered { // ordered is newest-first
			if moved >= n {
				break
			}
			if _, stillDrop := drop[b.ID]; stillDrop {
				keep[b.ID] = b
				delete(drop, b.ID)
				moved++
			} else {
				moved++
			}
		}
	case catalog.RuleKeepOldestN:
		n, err := parseN(rule.Value)
		if err != nil {
			return wrap("apply-rule: keep-oldest-n", err)
		}
		moved := 0
		for i := len(ordered) - 1; i >= 0 && moved < n; i-- {
			b := ordered[i]
			if _, stillDrop := drop[b.ID]; stillDrop {
				keep[b.ID] = b
				delete(drop, b.ID)
			}
			moved++
		}
	case catalog.RuleKeepLabelRegex:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return wrap("apply-rule: keep-label-regex", err)
		}
		for id, b := range drop {
			if re.MatchString(b.Label) {
				keep[id] = b
				delete(drop, id)
			}
		}
	case catalog.RuleDropLabelRegex:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return wrap("apply-rule: drop-label-regex", err)
		}
		for id, b := range keep {
			if re.MatchString(b.Label) {
				drop[id] = b
				delete(keep, id)
			}
		}
	case catalog.RuleDropOlderThan:
		d, err := time.ParseDuration(rule.Value)
		if err != nil {
			return wrap("apply-rule: drop-older-than-interval", err)
		}
		cutoff := time.Now().UTC().Add(-d)
		for id, b := range keep {
			if b.Started.Before(cutoff) {
				drop[id] = b
				delete(keep, id)
			}
		}
	case catalog.RulePin:
		if err := e.pinMatching(ctx, ordered, rule.Value, true); err != nil {
			return err
		}
	case catalog.RuleUnpin:
		if err := e.pinMatching(ctx, ordered, rule.Value, false); err != nil {
			return err
		}
	default:
		return wrap("apply-rule", fmt.Errorf("unknown rule type %q", rule.Type))
	}
	return nil
}

func (e *Engine) pinMatching(ctx context.Context, ordered []catalog.Backup, pattern string, pin bool) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return wrap("apply-rule: pin/unpin", err)
	}
	for _, b := range ordered {
		if !re.MatchString(b.Label) {
			continue
		}
		if pin {
			err = e.DB.PinBackup(ctx, b.ID)
		} else {
			err = e.DB.UnpinBackup(ctx, b.ID)
		}
		if err != nil {
			return wrap("apply-rule: pin/unpin", err)
		}
	}
	return nil
}

func parseN(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("malformed rule value %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative rule value %q", s)
	}
	return n, nil
}

// computeBoundaries derives, for each timeline represented in keep,
// the minimum xlogpos among its survivors: the "must keep from"
// boundary below which WAL is eligible for deletion.
func computeBoundaries(keep []catalog.Backup) map[uint32]WALBoundary {
	out := map[uint32]WALBoundary{}
	for _, b := range keep {
		pos, err := xlog.Parse(b.XLogPos)
		if err != nil {
			continue
		}
		boundary, ok := out[b.Timeline]
		if !ok || pos < boundary.KeepFrom {
			out[b.Timeline] = WALBoundary{Timeline: b.Timeline, KeepFrom: pos, HasKeeper: true}
		}
	}
	return out
}

// Apply evaluates policy and performs the deletions it calls for: each
// dropped backup's catalog rows are deleted in a transaction of their
// own, and a catalog error aborts the application at that backup;
// backups deleted before it stay deleted. Filesystem deletions of each
// backup directory (right after its catalog deletion) and of WAL
// segments (after all backups) are attempted and their errors are
// counted, not raised.
func (e *Engine) Apply(ctx context.Context, archiveID int64, policy catalog.RetentionPolicy, mode CleanupMode) (Report, error) {
	plan, err := e.Evaluate(ctx, archiveID, policy)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, b := range plan.Drop {
		if err := e.DB.DeleteBackup(ctx, b.ID); err != nil {
			return report, wrap("apply: delete-backup", err)
		}
		report.BackupsDeleted++
		if b.FSEntry == "" || e.Archive == nil {
			continue
		}
		if err := e.Archive.RemoveStreamingBackupDir(b.FSEntry); err != nil {
			report.FSErrors = append(report.FSErrors, err)
		}
	}

	if e.Archive == nil {
		return report, nil
	}
	segments, err := e.Archive.ListWALSegments()
	if err != nil {
		report.FSErrors = append(report.FSErrors, err)
		return report, nil
	}
	for _, name := range segments {
		tli, pos, err := xlog.SegmentStart(name, xlog.DefaultSegmentSize)
		if err != nil {
			report.FSErrors = append(report.FSErrors, err)
			continue
		}
		if !segmentEligible(tli, pos, plan.Boundaries, mode) {
			continue
		}
		if err := e.Archive.RemoveWALSegment(name); err != nil {
			report.FSErrors = append(report.FSErrors, err)
			continue
		}
		report.WALSegmentsDeleted++
	}
	return report, nil
}

func segmentEligible(timeline uint32, segStart xlog.Pos, boundaries map[uint32]WALBoundary, mode CleanupMode) bool {
	b, ok := boundaries[timeline]
	if !ok || !b.HasKeeper {
		return mode == CleanupDeleteAll || mode == CleanupRange
	}
	switch mode {
	case CleanupDeleteAll:
		return false // a surviving backup exists on this timeline; nothing is eligible
	default: // CleanupRange and CleanupOffsetFromOldest both use the boundary directly
		return segStart < b.KeepFrom
	}
}
