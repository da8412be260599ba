package metrics

import "time"

// NoopSink discards every observation.
type NoopSink struct{}

var _ Sink = NoopSink{}

func (NoopSink) BatchGenerated(string, int)                {}
func (NoopSink) RunStarted(string)                         {}
func (NoopSink) RunFinished(string, time.Duration, bool)   {}
func (NoopSink) JobFinished(string, string, time.Duration) {}
func (NoopSink) JobsRecovered(string, int)                 {}
func (NoopSink) AuthFailed(string)                         {}
func (NoopSink) StoreError(string, string)                 {}
func (NoopSink) Runnable(string, int)                      {}
