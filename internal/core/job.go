package core

// Execution policies decide whether a step runs after an earlier failure.
const (
	PolicyDefault = "default" // only if every previous step succeeded
	PolicyAlways  = "always"  // even if a previous step failed
)

// Step is one instruction of a build type. Exactly one of DockerBuild,
// DockerCommand and Script is set.
type Step struct {
	Name            string             `yaml:"name"`
	ExecutionPolicy string             `yaml:"executionPolicy,omitempty"`
	DockerBuild     *DockerBuildStep   `yaml:"dockerBuild,omitempty"`
	DockerCommand   *DockerCommandStep `yaml:"dockerCommand,omitempty"`
	Script          *ScriptStep        `yaml:"script,omitempty"`
}

// DockerBuildStep builds an image: docker build <args> -t <tag>... -f <path> <context>.
type DockerBuildStep struct {
	Path    string   `yaml:"path"`
	Context string   `yaml:"context,omitempty"`
	Tags    []string `yaml:"tags"`
	Args    string   `yaml:"args,omitempty"`
}

// DockerCommandStep runs any other docker subcommand: docker <subcommand> <args>.
type DockerCommandStep struct {
	Subcommand string `yaml:"subcommand"`
	Args       string `yaml:"args"`
}

// ScriptStep runs Content with sh.
type ScriptStep struct {
	Content string `yaml:"content"`
}

// Kind names the variant for logs and problem classification.
func (s Step) Kind() string {
	switch {
	case s.DockerBuild != nil:
		return "docker-build"
	case s.DockerCommand != nil:
		return "docker-" + s.DockerCommand.Subcommand
	case s.Script != nil:
		return "script"
	default:
		return "unknown"
	}
}

func (s Step) variants() int {
	n := 0
	if s.DockerBuild != nil {
		n++
	}
	if s.DockerCommand != nil {
		n++
	}
	if s.Script != nil {
		n++
	}
	return n
}

// RunsAfterFailure reports whether the step still runs once the build failed.
func (s Step) RunsAfterFailure() bool {
	return s.ExecutionPolicy == PolicyAlways
}
