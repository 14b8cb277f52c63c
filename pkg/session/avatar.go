package session

type ActionKind string

const (
	ActionMove  ActionKind = "move"
	ActionScore ActionKind = "score"
)

// Avatar is the per-participant state predicted locally and confirmed by the
// relay.
type Avatar struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score int     `json:"score"`
	Moves int     `json:"moves"`
}

func (a *Avatar) Clone() *Avatar {
	if a == nil {
		return &Avatar{}
	}
	c := *a
	return &c
}

type Action struct {
	Kind   ActionKind `json:"kind"`
	DX     float64    `json:"dx,omitempty"`
	DY     float64    `json:"dy,omitempty"`
	Points int        `json:"points,omitempty"`
}

// Step applies one action to a in place and returns it. Unknown kinds leave
// the avatar unchanged.
func Step(a *Avatar, in Action) *Avatar {
	switch in.Kind {
	case ActionMove:
		a.X += in.DX
		a.Y += in.DY
		a.Moves++
	case ActionScore:
		a.Score += in.Points
	}
	return a
}
