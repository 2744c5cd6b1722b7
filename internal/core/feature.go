package core

// Feature is a build feature. Exactly one field is set.
type Feature struct {
	CommitStatusPublisher *CommitStatusPublisher `yaml:"commitStatusPublisher,omitempty"`
	FreeDiskSpace         *FreeDiskSpace         `yaml:"freeDiskSpace,omitempty"`
	Swabra                *Swabra                `yaml:"swabra,omitempty"`
}

// PublisherGitHub posts statuses to a GitHub compatible REST API.
const PublisherGitHub = "github"

// CommitStatusPublisher reports the build state against the built commit.
type CommitStatusPublisher struct {
	Publisher string `yaml:"publisher"`
	URL       string `yaml:"url"`
	TokenRef  string `yaml:"tokenRef"`
	Context   string `yaml:"context,omitempty"`
}

// FreeDiskSpace guards the agent against running out of disk.
type FreeDiskSpace struct {
	RequiredSpace string `yaml:"requiredSpace"` // e.g. "1gb"
	FailBuild     bool   `yaml:"failBuild"`
}

// Swabra scrubs the checkout directory around builds.
type Swabra struct {
	ForceCleanCheckout bool `yaml:"forceCleanCheckout"`
}

func (f Feature) variants() int {
	n := 0
	if f.CommitStatusPublisher != nil {
		n++
	}
	if f.FreeDiskSpace != nil {
		n++
	}
	if f.Swabra != nil {
		n++
	}
	return n
}

// Publisher returns the first commit status publisher, if any.
func (bt *BuildType) Publisher() *CommitStatusPublisher {
	for _, f := range bt.Features {
		if f.CommitStatusPublisher != nil {
			return f.CommitStatusPublisher
		}
	}
	return nil
}

// DiskSpace returns the free disk space feature, if any.
func (bt *BuildType) DiskSpace() *FreeDiskSpace {
	for _, f := range bt.Features {
		if f.FreeDiskSpace != nil {
			return f.FreeDiskSpace
		}
	}
	return nil
}

// Scrubber returns the swabra feature, if any.
func (bt *BuildType) Scrubber() *Swabra {
	for _, f := range bt.Features {
		if f.Swabra != nil {
			return f.Swabra
		}
	}
	return nil
}
