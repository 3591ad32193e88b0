/*
Package types defines the director's domain model: the entities every other
package reads and writes.

These are plain value types with no behavior attached: persistence lives in
pkg/storage, validation in pkg/deployplan, and state transitions in
pkg/planner, pkg/instanceupdater and pkg/jobupdater. Keeping them separate
from the persistence layer means reconciliation code only ever sees these
plain values, never a database row or cursor.
*/
package types
