// Package monitor tracks per-stage timing and per-worker reply latency for
// one training run, and throttles how often the driver logs progress:
// named counters with durations, plus the once-per-window log gate that a
// long-running boosting loop needs.
package monitor

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Stage names one phase of a boosting iteration or of training setup.
// These mirror the ten request types in protocol, one stage per emitter.
type Stage string

const (
	StageStartTraining         Stage = "StartTraining"
	StageGetLabelStatistics    Stage = "GetLabelStatistics"
	StageSetInitialPredictions Stage = "SetInitialPredictions"
	StageStartNewIter          Stage = "StartNewIter"
	StageFindSplits            Stage = "FindSplits"
	StageEvaluateSplits        Stage = "EvaluateSplits"
	StageShareSplits           Stage = "ShareSplits"
	StageEndIter               Stage = "EndIter"
	StageCreateCheckpoint      Stage = "CreateCheckpoint"
	StageRestoreCheckpoint     Stage = "RestoreCheckpoint"
)

// stageStats accumulates the count and total duration spent in one stage
// across a training run, the duration analogue of a stats.Int counter.
type stageStats struct {
	count       int64
	sumDuration time.Duration
}

// Monitor tracks stage timings, per-worker FindSplits reply latency, and
// the log-display throttle for one training run. The zero value is not
// ready for use; call New.
type Monitor struct {
	mu sync.Mutex

	verbose bool

	currentStage    Stage
	currentHasStage bool
	beginStage      time.Time

	stages map[Stage]*stageStats

	numIters      int
	firstIterTime time.Time

	findSplitsReplies []workerDelay

	sumMinSplitReplyTime    time.Duration
	sumMedianSplitReplyTime time.Duration
	sumMaxSplitReplyTime    time.Duration
	countReplyTimeSamples   int64

	lastMinSplitReplyTime    time.Duration
	lastMedianSplitReplyTime time.Duration
	lastMaxSplitReplyTime    time.Duration
	lastFastestWorkerIdx     int
	lastSlowestWorkerIdx     int

	logsAlreadyDisplayed bool
	lastDisplayLogs      time.Time
	displayLogsEvery     time.Duration

	now func() time.Time
}

type workerDelay struct {
	workerIdx int
	delay     time.Duration
}

// New returns a Monitor ready to track a training run. verbose enables
// per-stage begin/end logging in addition to the periodic summary that
// ShouldDisplayLogs gates. now defaults to time.Now; tests may override it
// for determinism.
func New(verbose bool, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		verbose:          verbose,
		stages:           make(map[Stage]*stageStats),
		displayLogsEvery: 30 * time.Second,
		now:              now,
	}
}

// BeginStage marks the start of stage. It is a programmer error to begin a
// stage while another is already open; BeginStage is a no-op in that case
// rather than a panic, since a monitoring bug should never take down
// training.
func (m *Monitor) BeginStage(stage Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentHasStage {
		return
	}
	m.currentStage = stage
	m.currentHasStage = true
	m.beginStage = m.now()
	if m.verbose {
		log.Printf("monitor: begin stage %s", stage)
	}
}

// EndStage closes the stage opened by the matching BeginStage call and
// folds its duration into that stage's running total. For StageFindSplits,
// it also folds any RecordFindSplitsReply samples recorded during the
// stage into the running min/median/max statistics.
func (m *Monitor) EndStage(stage Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentHasStage {
		return
	}
	duration := m.now().Sub(m.beginStage)
	if m.verbose {
		log.Printf("monitor: end stage %s [duration: %s]", stage, duration)
	}
	s := m.stages[stage]
	if s == nil {
		s = &stageStats{}
		m.stages[stage] = s
	}
	s.count++
	s.sumDuration += duration

	if stage == StageFindSplits && len(m.findSplitsReplies) > 0 {
		sort.Slice(m.findSplitsReplies, func(i, j int) bool {
			return m.findSplitsReplies[i].delay < m.findSplitsReplies[j].delay
		})
		fastest := m.findSplitsReplies[0]
		slowest := m.findSplitsReplies[len(m.findSplitsReplies)-1]
		median := m.findSplitsReplies[len(m.findSplitsReplies)/2]

		m.lastMinSplitReplyTime = fastest.delay
		m.lastMaxSplitReplyTime = slowest.delay
		m.lastMedianSplitReplyTime = median.delay
		m.lastFastestWorkerIdx = fastest.workerIdx
		m.lastSlowestWorkerIdx = slowest.workerIdx

		m.sumMinSplitReplyTime += fastest.delay
		m.sumMaxSplitReplyTime += slowest.delay
		m.sumMedianSplitReplyTime += median.delay
		m.countReplyTimeSamples++

		m.findSplitsReplies = m.findSplitsReplies[:0]
	}
	m.currentHasStage = false
}

// NewIter records the start of a boosting iteration, used to compute the
// average time-per-iteration reported by Summary.
func (m *Monitor) NewIter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.numIters == 0 {
		m.firstIterTime = m.now()
	}
	m.numIters++
}

// RecordFindSplitsReply records how long workerIdx took to reply to a
// FindSplits request, to be folded into the running split-latency
// statistics at the next EndStage(StageFindSplits).
func (m *Monitor) RecordFindSplitsReply(workerIdx int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findSplitsReplies = append(m.findSplitsReplies, workerDelay{workerIdx, delay})
}

// ShouldDisplayLogs reports whether enough time has passed since the last
// time it returned true (or whether it has never been called) that the
// driver should emit a progress summary. It always returns true on its
// first call, then throttles to once per displayLogsEvery window.
func (m *Monitor) ShouldDisplayLogs() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.logsAlreadyDisplayed {
		m.logsAlreadyDisplayed = true
		m.lastDisplayLogs = now
		return true
	}
	if now.Sub(m.lastDisplayLogs) >= m.displayLogsEvery {
		m.lastDisplayLogs = now
		return true
	}
	return false
}

// Summary is a point-in-time snapshot of a Monitor's accumulated
// statistics, suitable for logging or testing without holding the
// Monitor's lock.
type Summary struct {
	TimePerIter              time.Duration
	LastMinSplitReplyTime    time.Duration
	LastMedianSplitReplyTime time.Duration
	LastMaxSplitReplyTime    time.Duration
	LastFastestWorkerIdx     int
	LastSlowestWorkerIdx     int
	StageCounts              map[Stage]int64
	StageAvgDuration         map[Stage]time.Duration
}

// FindSplitsReplySummary is the subset of Summary describing the most
// recent layer's FindSplits reply latency across workers.
type FindSplitsReplySummary struct {
	Min, Median, Max time.Duration
	FastestWorkerIdx int
	SlowestWorkerIdx int
}

// FindSplitsReplySummary reports the last layer's recorded FindSplits
// reply-latency extremes and median, for the periodic progress log.
func (m *Monitor) FindSplitsReplySummary() FindSplitsReplySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FindSplitsReplySummary{
		Min:              m.lastMinSplitReplyTime,
		Median:           m.lastMedianSplitReplyTime,
		Max:              m.lastMaxSplitReplyTime,
		FastestWorkerIdx: m.lastFastestWorkerIdx,
		SlowestWorkerIdx: m.lastSlowestWorkerIdx,
	}
}

// Snapshot returns the Monitor's current Summary.
func (m *Monitor) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		LastMinSplitReplyTime:    m.lastMinSplitReplyTime,
		LastMedianSplitReplyTime: m.lastMedianSplitReplyTime,
		LastMaxSplitReplyTime:    m.lastMaxSplitReplyTime,
		LastFastestWorkerIdx:     m.lastFastestWorkerIdx,
		LastSlowestWorkerIdx:     m.lastSlowestWorkerIdx,
		StageCounts:              make(map[Stage]int64, len(m.stages)),
		StageAvgDuration:         make(map[Stage]time.Duration, len(m.stages)),
	}
	if m.numIters > 0 {
		s.TimePerIter = m.now().Sub(m.firstIterTime) / time.Duration(m.numIters)
	}
	for stage, stat := range m.stages {
		s.StageCounts[stage] = stat.count
		if stat.count > 0 {
			s.StageAvgDuration[stage] = stat.sumDuration / time.Duration(stat.count)
		}
	}
	return s
}
