package s2

// OriginType identifies which side of an S2 session a message came from.
type OriginType string

const (
	OriginRM  OriginType = "RM"
	OriginCEM OriginType = "CEM"
)

// Reverse returns the opposite side of the session.
func (t OriginType) Reverse() OriginType {
	if t == OriginRM {
		return OriginCEM
	}
	return OriginRM
}

func (t OriginType) IsRM() bool  { return t == OriginRM }
func (t OriginType) IsCEM() bool { return t == OriginCEM }

func (t OriginType) String() string { return string(t) }
