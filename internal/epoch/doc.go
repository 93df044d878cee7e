// Package epoch tracks where a participant is in an experiment.
//
// An experiment is a tree of epochs. Each epoch has a name and, once
// entered, an id that encodes its address in the tree:
//
//	intro                  root epoch
//	task-block             child of a simple parent
//	task-block[2]-trial    child entered while the parent was on step 2
//
// There are three kinds of epoch:
//
// Simple epochs complete on Next.
//
// Multistep epochs count steps up to NSteps before completing. The step is
// read-only from outside.
//
// Indexable epochs count steps up to NSteps-1 and also support Prev and
// GoTo for free navigation.
//
// NAVIGATION:
//
// The Navigator holds a cursor on the active epoch. Entering an epoch moves
// the cursor onto it and emits an "epoch.start.<name>" event carrying the
// id. Done moves the cursor back to the parent and calls the parent's Next,
// so completion cascades upward until some ancestor still has steps left.
// Done is idempotent, and a disabled epoch ignores it entirely so that
// callbacks arriving after teardown cannot move the cursor.
//
// The epoch tree is materialized lazily: children only exist once their
// parent has reached the step that shows them. A Program describes the
// whole tree declaratively and mounts children after every transition,
// which is what lets JumpTo drive the live tree forward to an arbitrary
// address.
package epoch
