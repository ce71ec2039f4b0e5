// Package embeddings turns incident signatures into vectors for the
// similarity source and the learning sink. A TEI HTTP endpoint is the
// default; local ONNX models via fastembed are available in cgo builds.
package embeddings
