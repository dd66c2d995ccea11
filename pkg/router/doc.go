/*
Package router classifies jobs into a destination queue, a priority,
and a resource profile.

Rules apply in order, first match wins: a known capability tag in the
requested labels, then the repository rule table, then the default
profile. Priority combines the repository tier with whether the run is
against the default branch. Route is pure; it never touches storage.
*/
package router
