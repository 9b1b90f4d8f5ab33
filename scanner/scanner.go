// Package scanner discovers nearby basestations by their advertised name.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bstn/internal/basestation"
	"github.com/srg/bstn/internal/transport"
)

// Candidate is one sighted basestation.
type Candidate struct {
	Address  string
	Name     string
	Variant  basestation.Variant
	RSSI     int
	LastSeen time.Time
}

// ScanOptions configures a discovery scan.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: false,
	}
}

// Scanner collects basestation advertisements. Everything that is not a
// basestation name is filtered out before it reaches the handler.
type Scanner struct {
	candidates *hashmap.Map[string, Candidate]
	logger     *logrus.Logger
	now        func() time.Time

	isScanning bool
	scanMutex  sync.RWMutex

	initOnce sync.Once
	initErr  error
}

// NewScanner creates a basestation scanner. The adapter is initialized
// lazily on the first Scan.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		candidates: hashmap.New[string, Candidate](),
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Scanner) init() error {
	s.initOnce.Do(func() {
		dev, err := transport.DeviceFactory()
		if err != nil {
			s.initErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return s.initErr
}

// Scan runs discovery until the duration or context expires. Candidates
// accumulate across calls; duplicate sightings refresh RSSI and LastSeen.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) error {
	if opts == nil {
		opts = DefaultScanOptions()
	}

	s.scanMutex.Lock()
	if s.isScanning {
		s.scanMutex.Unlock()
		return fmt.Errorf("scanner is already running")
	}
	s.isScanning = true
	s.scanMutex.Unlock()

	defer func() {
		s.scanMutex.Lock()
		s.isScanning = false
		s.scanMutex.Unlock()
	}()

	if err := s.init(); err != nil {
		return err
	}

	s.logger.Info("Scanning for basestations...")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := ble.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement, isBasestation)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("count", s.candidates.Len()).Info("Scan completed")
	return nil
}

// isBasestation is the advertisement filter: only known basestation name
// prefixes pass.
func isBasestation(adv ble.Advertisement) bool {
	_, ok := basestation.VariantForName(adv.LocalName())
	return ok
}

// handleAdvertisement records or refreshes a candidate.
func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	name := adv.LocalName()
	variant, ok := basestation.VariantForName(name)
	if !ok {
		return
	}

	address, err := basestation.CanonicalAddress(adv.Addr().String())
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": adv.Addr().String(),
			"name":    name,
		}).Debug("Skipping advertisement with unusable address")
		return
	}

	candidate := Candidate{
		Address:  address,
		Name:     name,
		Variant:  variant,
		RSSI:     adv.RSSI(),
		LastSeen: s.now(),
	}

	if _, seen := s.candidates.Get(address); !seen {
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    name,
			"variant": variant,
			"rssi":    candidate.RSSI,
		}).Info("Discovered basestation")
	}
	s.candidates.Set(address, candidate)
}

// Candidates returns the sighted basestations sorted by address.
func (s *Scanner) Candidates() []Candidate {
	out := make([]Candidate, 0, s.candidates.Len())
	s.candidates.Range(func(_ string, c Candidate) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Candidate returns a sighted basestation by address.
func (s *Scanner) Candidate(address string) (Candidate, bool) {
	canonical, err := basestation.CanonicalAddress(address)
	if err != nil {
		return Candidate{}, false
	}
	return s.candidates.Get(canonical)
}

// Clear removes all collected candidates.
func (s *Scanner) Clear() {
	s.candidates.Range(func(address string, _ Candidate) bool {
		s.candidates.Del(address)
		return true
	})
}

// IsScanning reports whether a scan is active.
func (s *Scanner) IsScanning() bool {
	s.scanMutex.RLock()
	defer s.scanMutex.RUnlock()
	return s.isScanning
}
