package meter

import "github.com/ineyio/quotapool"

// Multi fans events out to several meters in order.
type Multi []quotapool.Meter

var _ quotapool.Meter = Multi(nil)

func (m Multi) OnAdmit(e quotapool.AdmitEvent) {
	for _, mm := range m {
		mm.OnAdmit(e)
	}
}

func (m Multi) OnReject(e quotapool.RejectEvent) {
	for _, mm := range m {
		mm.OnReject(e)
	}
}

func (m Multi) OnResult(e quotapool.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}
