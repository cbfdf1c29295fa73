package tracker

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/fleetwatch/fleetwatch/internal/defaults"
	"github.com/fleetwatch/fleetwatch/internal/model"
)

var byteOrder = binary.BigEndian

// Persist writes {agents, pm_records} to path atomically via
// write-temp-then-rename, guarded by a file lock so a concurrent
// persist (manual + scheduled) can't interleave writes (spec §6).
func (t *Tracker) Persist(path string) error {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("persistence: acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("persistence: %s is locked by another process", path)
	}
	defer lock.Unlock()

	var buf bytes.Buffer
	if err := writeHeader(&buf); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := writeAgents(&buf, t.AgentsSnapshot()); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := writePmRecords(&buf, t.PmRecordsSnapshot()); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}

	checksum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(&buf, byteOrder, checksum); err != nil {
		return fmt.Errorf("persistence: writing trailer: %w", err)
	}

	return writeTempThenRename(path, buf.Bytes())
}

func writeTempThenRename(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persistence: renaming into place: %w", err)
	}
	return nil
}

func writeHeader(w io.Writer) error {
	if _, err := w.Write([]byte(defaults.PersistMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, defaults.PersistVersion); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, uint64(time.Now().Unix()))
}

func writeAgents(w io.Writer, agents []model.Agent) error {
	if err := binary.Write(w, byteOrder, uint32(len(agents))); err != nil {
		return err
	}
	for _, a := range agents {
		if err := writeLengthPrefixedString(w, a.Target.String()); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint8(a.Role)); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint8(a.State)); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint64(a.DiscoveredAt.Unix())); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint64(a.LastSeenActiveAt.Unix())); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint16(a.ConsecutiveIdleSamples)); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint16(a.ConsecutiveMissingSamples)); err != nil {
			return err
		}
		if _, err := w.Write(a.BriefingDigest[:]); err != nil {
			return err
		}
	}
	return nil
}

func writePmRecords(w io.Writer, records map[string]model.PmRecoveryRecord) error {
	if err := binary.Write(w, byteOrder, uint32(len(records))); err != nil {
		return err
	}
	for session, r := range records {
		if err := writeLengthPrefixedString(w, session); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint8(r.AttemptCount)); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint64(r.LastAttemptAt.Unix())); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint64(r.GraceUntil.Unix())); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint64(r.CooldownUntil.Unix())); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint8(r.LastOutcome)); err != nil {
			return err
		}
	}
	return nil
}

func writeLengthPrefixedString(w io.Writer, s string) error {
	if err := binary.Write(w, byteOrder, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// ErrCorrupt is wrapped by Load when the magic, version, or trailer CRC
// does not validate.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string { return "persistence: corrupt snapshot: " + e.Reason }

// Load reads a snapshot written by Persist. On any validation failure,
// the file at path is renamed with a .corrupt-<timestamp> suffix and
// Load returns (nil, nil, nil) so startup can continue with an empty
// tracker, per spec §6.
func Load(path string) (agents []model.Agent, pmRecords map[string]model.PmRecoveryRecord, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("persistence: reading %s: %w", path, err)
	}

	agents, pmRecords, verr := parseSnapshot(raw)
	if verr != nil {
		quarantine(path)
		return nil, nil, nil
	}
	return agents, pmRecords, nil
}

func quarantine(path string) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	os.Rename(path, dest)
}

func parseSnapshot(raw []byte) ([]model.Agent, map[string]model.PmRecoveryRecord, error) {
	if len(raw) < 4 {
		return nil, nil, &ErrCorrupt{Reason: "too short for magic"}
	}
	trailerStart := len(raw) - 4
	body, trailer := raw[:trailerStart], raw[trailerStart:]
	want := byteOrder.Uint32(trailer)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return nil, nil, &ErrCorrupt{Reason: "crc mismatch"}
	}

	r := bufio.NewReader(bytes.NewReader(body))

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != defaults.PersistMagic {
		return nil, nil, &ErrCorrupt{Reason: "bad magic"}
	}
	var version uint16
	if err := binary.Read(r, byteOrder, &version); err != nil || version != defaults.PersistVersion {
		return nil, nil, &ErrCorrupt{Reason: "unsupported version"}
	}
	var createdAt uint64
	if err := binary.Read(r, byteOrder, &createdAt); err != nil {
		return nil, nil, &ErrCorrupt{Reason: "truncated header"}
	}

	agents, err := readAgents(r)
	if err != nil {
		return nil, nil, err
	}
	pmRecords, err := readPmRecords(r)
	if err != nil {
		return nil, nil, err
	}
	return agents, pmRecords, nil
}

func readAgents(r io.Reader) ([]model.Agent, error) {
	var count uint32
	if err := binary.Read(r, byteOrder, &count); err != nil {
		return nil, &ErrCorrupt{Reason: "truncated agent count"}
	}
	agents := make([]model.Agent, 0, count)
	for i := uint32(0); i < count; i++ {
		targetStr, err := readLengthPrefixedString(r)
		if err != nil {
			return nil, &ErrCorrupt{Reason: "truncated agent target"}
		}
		target, perr := model.ParseTarget(targetStr)
		if perr != nil {
			return nil, &ErrCorrupt{Reason: "invalid persisted target"}
		}
		var role, state uint8
		var discoveredAt, lastActiveAt uint64
		var idleSamples, missingSamples uint16
		if err := binary.Read(r, byteOrder, &role); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated agent role"}
		}
		if err := binary.Read(r, byteOrder, &state); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated agent state"}
		}
		if err := binary.Read(r, byteOrder, &discoveredAt); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated discovered_at"}
		}
		if err := binary.Read(r, byteOrder, &lastActiveAt); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated last_seen_active_at"}
		}
		if err := binary.Read(r, byteOrder, &idleSamples); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated idle samples"}
		}
		if err := binary.Read(r, byteOrder, &missingSamples); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated missing samples"}
		}
		var digest [16]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated briefing digest"}
		}
		agents = append(agents, model.Agent{
			Target:                    target,
			Role:                      model.AgentRole(role),
			State:                     model.AgentState(state),
			DiscoveredAt:              time.Unix(int64(discoveredAt), 0),
			LastSeenActiveAt:          time.Unix(int64(lastActiveAt), 0),
			ConsecutiveIdleSamples:    int(idleSamples),
			ConsecutiveMissingSamples: int(missingSamples),
			BriefingDigest:            digest,
			HasBriefingDigest:         digest != [16]byte{},
		})
	}
	return agents, nil
}

func readPmRecords(r io.Reader) (map[string]model.PmRecoveryRecord, error) {
	var count uint32
	if err := binary.Read(r, byteOrder, &count); err != nil {
		return nil, &ErrCorrupt{Reason: "truncated pm record count"}
	}
	records := make(map[string]model.PmRecoveryRecord, count)
	for i := uint32(0); i < count; i++ {
		session, err := readLengthPrefixedString(r)
		if err != nil {
			return nil, &ErrCorrupt{Reason: "truncated pm session"}
		}
		var attemptCount uint8
		var lastAttempt, graceUntil, cooldownUntil uint64
		var outcome uint8
		if err := binary.Read(r, byteOrder, &attemptCount); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated attempt_count"}
		}
		if err := binary.Read(r, byteOrder, &lastAttempt); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated last_attempt_at"}
		}
		if err := binary.Read(r, byteOrder, &graceUntil); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated grace_until"}
		}
		if err := binary.Read(r, byteOrder, &cooldownUntil); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated cooldown_until"}
		}
		if err := binary.Read(r, byteOrder, &outcome); err != nil {
			return nil, &ErrCorrupt{Reason: "truncated last_outcome"}
		}
		records[session] = model.PmRecoveryRecord{
			Session:       session,
			Phase:         model.PmHealthy,
			AttemptCount:  int(attemptCount),
			LastAttemptAt: time.Unix(int64(lastAttempt), 0),
			GraceUntil:    time.Unix(int64(graceUntil), 0),
			CooldownUntil: time.Unix(int64(cooldownUntil), 0),
			LastOutcome:   model.PmOutcome(outcome),
		}
	}
	return records, nil
}

func readLengthPrefixedString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, byteOrder, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
