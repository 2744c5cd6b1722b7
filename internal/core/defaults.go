package core

// Names of the steps of the built-in build type. The runner classifies
// failures of these steps as image build, test and cleanup problems.
const (
	StepBuildImage = "Build image"
	StepUnitTests  = "Unit tests"
	StepTidyUp     = "Tidy up"
)

const (
	defaultImage     = "test_eca:latest"
	defaultContainer = "test_eca"
)

// Credential references of the built-in definition.
const (
	DefaultSSHKeyRef      = "credentialsJSON:7c1e3a52-4b8d-4f0e-9a61-2d5f8e0b3c94"
	DefaultGitHubTokenRef = "credentialsJSON:f9afb00d-2c25-4623-97ab-48f7bef9c6c1"
	DefaultBitbucketRef   = "credentialsJSON:d34982db-19c6-4b1a-85ec-305cf20962c4"
)

// DefaultProject returns the built-in definition: build the test image with
// fresh base layers, run pytest in a named container, then remove the
// container, prune images and drop dangling volumes.
func DefaultProject() *Project {
	p := &Project{
		Name: "enterprise-cloud-admin",
		VcsRoots: []VcsRoot{{
			ID:            "EnterpriseCloudAdmin",
			URL:           "git@github.com:mesoform/enterprise-cloud-admin.git",
			Branch:        "refs/heads/dev",
			BranchSpec:    "+:refs/pull/(*/merge)",
			UsernameStyle: UsernameUserID,
			Submodules:    SubmodulesCheckout,
			Auth:          VcsAuth{Method: AuthUploadedKey, KeyRef: DefaultSSHKeyRef},
		}},
		BuildTypes: []BuildType{{
			ID:            "Build",
			Name:          "Build",
			VcsRootID:     "EnterpriseCloudAdmin",
			CleanCheckout: true,
			Params: map[string]string{
				"env.DOCKER_CONTAINER_ID": "",
				"env.PYTHONPATH":          ".:./tests",
			},
			Steps: []Step{
				{
					Name: StepBuildImage,
					DockerBuild: &DockerBuildStep{
						Path:    "Dockerfile",
						Context: ".",
						Tags:    []string{defaultImage},
						Args:    "--pull",
					},
				},
				{
					Name: StepUnitTests,
					DockerCommand: &DockerCommandStep{
						Subcommand: "run",
						Args:       "--name " + defaultContainer + " " + defaultImage + " pytest -v",
					},
				},
				{
					Name:            StepTidyUp,
					ExecutionPolicy: PolicyAlways,
					Script: &ScriptStep{Content: "docker rm -f " + defaultContainer + "\n" +
						"docker system prune -a -f\n" +
						"docker volume ls -qf dangling=true | xargs -r docker volume rm\n"},
				},
			},
			Triggers:          []Trigger{{Type: TriggerVCS}},
			FailureConditions: FailureConditions{ExecutionTimeoutMin: 30},
			Features: []Feature{
				{CommitStatusPublisher: &CommitStatusPublisher{
					Publisher: PublisherGitHub,
					URL:       "https://api.github.com",
					TokenRef:  DefaultGitHubTokenRef,
				}},
				{FreeDiskSpace: &FreeDiskSpace{RequiredSpace: "1gb", FailBuild: false}},
				{Swabra: &Swabra{ForceCleanCheckout: true}},
			},
		}},
		IssueTrackers: []IssueTracker{{
			ID:          "PROJECT_EXT_5",
			Type:        IssueTrackerBitbucket,
			Name:        "mesoform/enterprise-cloud-admin",
			Repository:  "https://bitbucket.org/mesoform/enterprise-cloud-admin",
			Pattern:     `#(\d+)`,
			AuthType:    "loginpassword",
			Username:    "cicd@mesoform.com",
			PasswordRef: DefaultBitbucketRef,
		}},
	}
	p.applyDefaults()
	return p
}
