// Package mentions classifies which group members a piece of text invokes.
//
// Detection is heuristic, so it sits behind the Classifier interface and can
// be swapped or tested independently of orchestration.
package mentions
