// Package serialization provides the payload serializer handed to
// components through the serializer capability, and a registry mapping
// message headers to body types.
package serialization
