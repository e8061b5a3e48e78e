// Package protocol defines the four wire protocol versions spoken
// between newswire instances and the request/response shapes of each.
//
// The version set is closed. Every behavioral difference between
// versions (field set, token mandate, signature scope, response shape)
// is an explicit capability on the version's Spec, resolved as a pure
// function of the version tag. Selecting an unknown tag is a hard
// error; the protocol makes no attempt at forward compatibility beyond
// what the existing version branches encode.
package protocol
