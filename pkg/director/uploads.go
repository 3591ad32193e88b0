package director

// Tarball extraction and blobstore byte transfer happen upstream of the
// director; callers hand it already-uploaded blob references and it only
// ever records metadata rows against them.

// ReleaseUpload describes one release version to record: its packages and
// templates, each already present in the blobstore under the given BlobID.
type ReleaseUpload struct {
	Name      string
	Version   string
	Packages  []PackageUpload
	Templates []TemplateUpload
}

// PackageUpload is one package within a ReleaseUpload.
type PackageUpload struct {
	Name         string
	Version      string
	Fingerprint  string
	BlobID       string
	Dependencies []string
}

// TemplateUpload is one job template within a ReleaseUpload.
type TemplateUpload struct {
	Name             string
	Version          string
	BlobID           string
	RequiredPackages []string
}

// StemcellUpload describes one stemcell image to register with the cloud
// provider and record.
type StemcellUpload struct {
	Name       string
	Version    string
	ImagePath  string
	Properties map[string]interface{}
}
