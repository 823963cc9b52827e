package contracts

// Serializer converts message packages to and from message bodies
type Serializer interface {
	ContentType() string
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}
