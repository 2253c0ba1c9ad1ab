package meter

import vfscore "github.com/mattiaTagliente/VFScore"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ vfscore.Meter = (*NoopMeter)(nil)

func (NoopMeter) OnDispatch(vfscore.DispatchEvent) {}
func (NoopMeter) OnResult(vfscore.ResultEvent)     {}
func (NoopMeter) OnCost(vfscore.CostEvent)         {}
func (NoopMeter) OnQuota(vfscore.QuotaEvent)       {}
