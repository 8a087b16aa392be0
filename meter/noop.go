package meter

import "github.com/ineyio/quotapool"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotapool.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmit(quotapool.AdmitEvent)   {}
func (m *NoopMeter) OnReject(quotapool.RejectEvent) {}
func (m *NoopMeter) OnResult(quotapool.ResultEvent) {}
