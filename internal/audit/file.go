package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	segmentPrefix = "audit-"
	segmentSuffix = ".jsonl"
	sealSuffix    = ".seal"
	segmentLayout = "20060102"
	maxRecordSize = 1 << 20
)

// FileSink writes one JSON Lines segment per UTC day under a directory.
// Every record is fsynced before Write returns.
type FileSink struct {
	dir    string
	sealer *Sealer

	mu      sync.Mutex
	current string
	file    *os.File
	last    Event
	hasLast bool
}

// FileOption configures a FileSink.
type FileOption func(*FileSink)

// WithSealer seals each segment on rotation and close.
func WithSealer(s *Sealer) FileOption {
	return func(f *FileSink) {
		f.sealer = s
	}
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string, opts ...FileOption) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	s := &FileSink{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SegmentName returns the segment a timestamp belongs to.
func SegmentName(t time.Time) string {
	return segmentPrefix + t.UTC().Format(segmentLayout)
}

func (s *FileSink) segmentPath(name string) string {
	return filepath.Join(s.dir, name+segmentSuffix)
}

// Write appends e to its day segment and fsyncs it. A failed write is
// truncated away so no partial record remains.
func (s *FileSink) Write(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotate(SegmentName(e.Timestamp)); err != nil {
		return err
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat segment: %w", err)
	}
	if _, err := s.file.Write(line); err != nil {
		_ = s.file.Truncate(info.Size())
		return fmt.Errorf("write segment: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Truncate(info.Size())
		return fmt.Errorf("sync segment: %w", err)
	}
	s.last, s.hasLast = e, true
	return nil
}

// rotate makes name the open segment, sealing the previous one.
func (s *FileSink) rotate(name string) error {
	if s.file != nil && s.current == name {
		return nil
	}
	if s.file != nil {
		if err := s.sealCurrent(); err != nil {
			return err
		}
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
		s.file = nil
	}
	f, err := os.OpenFile(s.segmentPath(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	s.file, s.current = f, name
	return nil
}

func (s *FileSink) sealCurrent() error {
	if s.sealer == nil || !s.hasLast || SegmentName(s.last.Timestamp) != s.current {
		return nil
	}
	seal, err := s.sealer.Seal(s.current, s.last, time.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(seal)
	if err != nil {
		return fmt.Errorf("encode seal: %w", err)
	}
	path := filepath.Join(s.dir, s.current+sealSuffix)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write seal: %w", err)
	}
	return os.Rename(tmp, path)
}

// Close seals and closes the open segment.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	sealErr := s.sealCurrent()
	closeErr := s.file.Close()
	s.file = nil
	return errors.Join(sealErr, closeErr)
}

// Segments lists segment names in chronological order.
func (s *FileSink) Segments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, segmentPrefix) && strings.HasSuffix(n, segmentSuffix) {
			names = append(names, strings.TrimSuffix(n, segmentSuffix))
		}
	}
	slices.Sort(names)
	return names, nil
}

// Scan reads segments lazily. Segments entirely before f.Since are skipped.
func (s *FileSink) Scan(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		names, err := s.Segments()
		if err != nil {
			yield(Event{}, err)
			return
		}
		var floor string
		if !f.Since.IsZero() {
			floor = SegmentName(f.Since)
		}
		for _, name := range names {
			if floor != "" && name < floor {
				continue
			}
			if !s.scanSegment(ctx, name, f, yield) {
				return
			}
		}
	}
}

func (s *FileSink) scanSegment(ctx context.Context, name string, f Filter, yield func(Event, error) bool) bool {
	file, err := os.Open(s.segmentPath(name))
	if err != nil {
		return yield(Event{}, fmt.Errorf("open segment %s: %w", name, err))
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return yield(Event{}, err)
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return yield(Event{}, fmt.Errorf("decode %s: %w", name, err))
		}
		if f.Match(e) && !yield(e, nil) {
			return false
		}
	}
	if err := sc.Err(); err != nil {
		return yield(Event{}, fmt.Errorf("read %s: %w", name, err))
	}
	return true
}

// Head returns the last record of the latest segment.
func (s *FileSink) Head(ctx context.Context) (Event, bool, error) {
	s.mu.Lock()
	if s.hasLast {
		last := s.last
		s.mu.Unlock()
		return last, true, nil
	}
	s.mu.Unlock()

	names, err := s.Segments()
	if err != nil {
		return Event{}, false, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		last, found, err := s.lastOf(ctx, names[i])
		if err != nil || found {
			return last, found, err
		}
	}
	return Event{}, false, nil
}

func (s *FileSink) lastOf(ctx context.Context, segment string) (Event, bool, error) {
	var (
		last  Event
		found bool
		rerr  error
	)
	s.scanSegment(ctx, segment, Filter{}, func(e Event, err error) bool {
		if err != nil {
			rerr = err
			return false
		}
		last, found = e, true
		return true
	})
	return last, found, rerr
}

// ReadSeal loads the seal written for segment.
func (s *FileSink) ReadSeal(segment string) (Seal, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, segment+sealSuffix))
	if err != nil {
		return Seal{}, fmt.Errorf("read seal: %w", err)
	}
	var seal Seal
	if err := json.Unmarshal(data, &seal); err != nil {
		return Seal{}, fmt.Errorf("decode seal: %w", err)
	}
	return seal, nil
}

// VerifySegment checks that segment's seal is signed by trusted and
// matches the segment's final record.
func (s *FileSink) VerifySegment(ctx context.Context, segment string, trusted []byte) error {
	seal, err := s.ReadSeal(segment)
	if err != nil {
		return err
	}
	if err := VerifySeal(seal, trusted); err != nil {
		return err
	}
	last, found, err := s.lastOf(ctx, segment)
	if err != nil {
		return err
	}
	if !found || last.Seq != seal.LastSeq || last.Hash != seal.LastHash {
		return fmt.Errorf("%w: segment %s does not end at sealed record", ErrSealInvalid, segment)
	}
	return nil
}
