package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	OpensSubmitted   Counter
	ClosesSubmitted  Counter
	CyclesCompleted  Counter
	StreamReconnects Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		OpensSubmitted:   n,
		ClosesSubmitted:  n,
		CyclesCompleted:  n,
		StreamReconnects: n,
	}
}
