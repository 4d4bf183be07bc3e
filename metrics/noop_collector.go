package metrics

import "time"

type nopCollector struct{}

var _ Collector = &nopCollector{}

// NopCollector discards every metric, it is used in tests and when the
// prometheus registration fails.
var NopCollector = &nopCollector{}

func (c *nopCollector) OperationValidated(time.Time, error) {}
func (c *nopCollector) OperationAdmitted()                  {}
func (c *nopCollector) OperationRejected(string)            {}
func (c *nopCollector) OperationsRemoved(string, int)       {}
func (c *nopCollector) PoolSizeUpdated(int)                 {}
func (c *nopCollector) ReputationStatusChanged(string)      {}
func (c *nopCollector) BundleBuilt(time.Time, int, uint64)  {}
func (c *nopCollector) BundleBuildFailed(string)            {}
func (c *nopCollector) BundleSubmitted(bool)                {}
func (c *nopCollector) BundleFinalized(string)              {}
func (c *nopCollector) ChainHeadUpdated(uint64)             {}
func (c *nopCollector) ChainHealthUpdated(bool)             {}
