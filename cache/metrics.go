package cache

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Added(string)        {}
func (NoopMetrics) Touched(string)      {}
func (NoopMetrics) Removed(string)      {}
func (NoopMetrics) Evicted(string, int) {}
func (NoopMetrics) Size(string, int)    {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
