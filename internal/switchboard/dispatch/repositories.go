package dispatch

import (
	"encoding/json"

	"github.com/jmoyers/switchboard/internal/switchboard/events"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

func (d *Dispatcher) repositoryUpsert(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		RepositoryID  string         `json:"repositoryId"`
		Name          string         `json:"name"`
		RemoteURL     string         `json:"remoteUrl"`
		DefaultBranch string         `json:"defaultBranch"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	repo, err := d.store.UpsertRepository(store.Repository{
		ID:            p.RepositoryID,
		Scope:         p.scope(),
		Name:          p.Name,
		RemoteURL:     p.RemoteURL,
		DefaultBranch: p.DefaultBranch,
		Metadata:      p.Metadata,
	})
	if err != nil {
		return nil, err
	}

	sc := eventScope(repo.Scope)
	sc.RepositoryID = repo.ID
	d.journal.Publish(sc, events.RepositoryUpserted{Repository: repo})
	return repo, nil
}

func (d *Dispatcher) repositoryGet(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return d.store.GetRepository(p.scope(), p.RepositoryID)
}

func (d *Dispatcher) repositoryList(raw json.RawMessage) (any, error) {
	var p scopedParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	repos, err := d.store.ListRepositories(p.scope())
	if err != nil {
		return nil, err
	}
	return map[string]any{"repositories": repos}, nil
}

func (d *Dispatcher) repositoryUpdate(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		RepositoryID  string         `json:"repositoryId"`
		Name          string         `json:"name"`
		DefaultBranch string         `json:"defaultBranch"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	repo, err := d.store.UpdateRepository(p.scope(), p.RepositoryID, p.Name, p.DefaultBranch, p.Metadata)
	if err != nil {
		return nil, err
	}

	sc := eventScope(repo.Scope)
	sc.RepositoryID = repo.ID
	d.journal.Publish(sc, events.RepositoryUpserted{Repository: repo})
	return repo, nil
}

func (d *Dispatcher) repositoryArchive(raw json.RawMessage) (any, error) {
	var p struct {
		scopedParams
		RepositoryID string `json:"repositoryId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	repo, err := d.store.ArchiveRepository(p.scope(), p.RepositoryID)
	if err != nil {
		return nil, err
	}

	sc := eventScope(repo.Scope)
	sc.RepositoryID = repo.ID
	d.journal.Publish(sc, events.RepositoryArchived{RepositoryID: repo.ID})
	return repo, nil
}
