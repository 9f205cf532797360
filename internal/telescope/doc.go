// Package telescope owns the shared data model of the testbeam track
// reconstruction engine.
//
// Responsibilities: hit and event records consumed from the upstream
// clusterer, track candidates produced by the finder, fitted tracks
// produced by the fitter, and the error taxonomy shared by every stage.
// Key types: Hit, Event, TrackCandidate, FittedTrack.
//
// Dependency rule: this package imports nothing from its subpackages
// (geometry, finder, fitter, alignment, pipeline). No SQL or file I/O.
package telescope
