package generic

// Void is a zero-size placeholder value, used as the member type of a Set.
type Void struct{}

func NewVoid() Void {
	return Void{}
}
