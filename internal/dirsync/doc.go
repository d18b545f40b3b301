/*
Package dirsync turns the Active Directory DirSync feed into CREATE, UPDATE
and DELETE deltas.

An Engine owns one scope: an object class, an optional custom filter, base
contexts and a set of tracked groups. Each Run polls DirSync from a
Checkpoint, classifies the returned entries, expands member changes of the
tracked groups into per-member updates, scans the deleted-objects container
for tombstones, merges everything by objectGUID and delivers the result to
a Handler. The checkpoint advances only when the handler accepted every
delta.

DirSync reports a membership change on the group, never on the member, so
the engine keeps the last observed member set of every tracked group in a
MembershipIndex and diffs against it. The index is staged during a poll and
committed together with the checkpoint.

Errors carry one of the kinds ErrDirectoryUnavailable,
ErrProtocolUnsupported, ErrTokenRejected, ErrMalformedToken,
ErrInvalidFilter or ErrMembershipRefetchFailed; match them with errors.Is.
*/
package dirsync
