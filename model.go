package spacemap

// Model lets an entity name its space explicitly.
type Model interface {
	SpaceName() string
}

// SpaceFormatter lets an entity declare the tuple format of its space.
type SpaceFormatter interface {
	SpaceFormat() Format
}

// Space is a zero-size marker field. Its `name` tag carries the space name:
//
//	type Book struct {
//		spacemap.Space `name:"books"`
//		ID string `space:"id,key"`
//	}
type Space struct{}
