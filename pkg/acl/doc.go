/*
Package acl evaluates per-resource access control lists.

Permissions are a bitmask over read, write, delete, list-deleted, undelete,
view-versions, retrieve-back-version, restore-to-version and execute. Rows
are resource-local: inheritance copies the parent's rows when a child is
created, so evaluation is a single fetch with no tree walk.
*/
package acl
