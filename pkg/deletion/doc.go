// Package deletion removes observations, datasets and sensors while keeping
// the cached dataset extrema, the composite observation hierarchy and the
// offering/procedure lifecycle consistent.
//
// An Engine is bound to one storage transaction and never commits. Service
// runs each operation through storage.Store.Update so a failing step rolls
// back every earlier write of the same operation.
package deletion
