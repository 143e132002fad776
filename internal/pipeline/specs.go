package pipeline

import (
	"fmt"

	"github.com/mattjoyce/repobench/internal/config"
	"github.com/mattjoyce/repobench/internal/fetch"
)

// BuildSpecs returns the cross product of commands and repositories, commands
// outer and repositories inner. A repository's own ssh_key takes precedence
// over sshKey. A key pair that cannot be loaded is carried on the spec so
// only that repository's jobs fail, at fetch time.
func BuildSpecs(commands []config.Command, repos []config.Repository, sshKey string) []JobSpec {
	global, globalErr := loadKey(sshKey)
	if globalErr != nil {
		globalErr = fmt.Errorf("ssh_key: %w", globalErr)
	}

	type repoKey struct {
		cred *fetch.Credential
		err  error
	}
	keys := make([]repoKey, len(repos))
	for i, repo := range repos {
		keys[i] = repoKey{cred: global, err: globalErr}
		if repo.SSHKey == "" {
			continue
		}
		c, err := loadKey(repo.SSHKey)
		if err != nil {
			err = fmt.Errorf("repositories[%d] ssh_key: %w", i, err)
		}
		keys[i] = repoKey{cred: c, err: err}
	}

	specs := make([]JobSpec, 0, len(commands)*len(repos))
	for _, cmd := range commands {
		for j, repo := range repos {
			specs = append(specs, JobSpec{
				Index:         len(specs),
				Label:         cmd.Label,
				Prepare:       cmd.Prepare,
				Run:           cmd.Run,
				RepositoryURL: repo.URL,
				Credential:    keys[j].cred,
				CredentialErr: keys[j].err,
			})
		}
	}
	return specs
}

func loadKey(path string) (*fetch.Credential, error) {
	if path == "" {
		return nil, nil
	}
	return fetch.NewKeyPairCredential(config.ExpandHome(path))
}
