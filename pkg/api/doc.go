// Package api is the director's thin HTTP routing surface: it turns each
// mutating request into a pkg/director call that creates a Task and
// redirects the caller to its location, and serves the small set of
// read-only list/status endpoints. The package stays deliberately shallow.
// It does not implement HTTP basic authentication, user CRUD, blobstore
// byte transfer, or stemcell tarball extraction; those are external
// collaborators a full installation sits in front of this router. Where
// the wire format names a tarball upload (POST /releases, POST
// /stemcells), the handlers here accept the already-extracted upload
// descriptor as JSON, standing in for the extraction step that would
// normally produce a director.ReleaseUpload/StemcellUpload from the
// tarball bytes.
package api
