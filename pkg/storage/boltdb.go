package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProjects   = []byte("projects")
	bucketDeployments = []byte("deployments")
	bucketBuildLogs  = []byte("build_logs")
)

// BoltStore is the bbolt-backed Store implementation. Each entity lives in
// its own bucket, keyed by id, with JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the metadata store at
// <dataDir>/app.db and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "app.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketProjects, bucketDeployments, bucketBuildLogs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// -- Projects -----------------------------------------------------------

func (s *BoltStore) UpsertProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		// Project names are unique across the store; a same-name row is
		// only legal when it is this project's own.
		var conflict error
		if err := b.ForEach(func(key, data []byte) error {
			var existing types.Project
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Name == p.Name && existing.ID != p.ID {
				conflict = hearterr.Conflictf("project name %q already in use", p.Name)
			}
			return nil
		}); err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) UpdateProject(id string, name *string, customDomains []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project not found: %s", id)
		}
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if name != nil {
			p.Name = *name
		}
		if customDomains != nil {
			p.CustomDomains = customDomains
		}
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(id))
	})
}

func (s *BoltStore) GetProject(idOrName string) (*types.Project, error) {
	var found *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if data := b.Get([]byte(idOrName)); data != nil {
			var p types.Project
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			found = &p
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var p types.Project
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if p.Name == idOrName {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("project not found: %s", idOrName)
	}
	return found, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(_, data []byte) error {
			var p types.Project
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			projects = append(projects, &p)
			return nil
		})
	})
	return projects, err
}

// -- Env ------------------------------------------------------------------

func (s *BoltStore) UpsertEnv(project, name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(project))
		if data == nil {
			return fmt.Errorf("project not found: %s", project)
		}
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		now := time.Now()
		replaced := false
		for i := range p.Env {
			if p.Env[i].Name == name {
				p.Env[i].Value = value
				p.Env[i].LastEdited = now
				replaced = true
				break
			}
		}
		if !replaced {
			p.Env = append(p.Env, types.EnvEntry{Name: name, Value: value, LastEdited: now})
		}
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(project), updated)
	})
}

func (s *BoltStore) DeleteEnv(project, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(project))
		if data == nil {
			return fmt.Errorf("project not found: %s", project)
		}
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		kept := p.Env[:0]
		for _, e := range p.Env {
			if e.Name != name {
				kept = append(kept, e)
			}
		}
		p.Env = kept
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(project), updated)
	})
}

// -- Deployments ------------------------------------------------------------

func (s *BoltStore) InsertDeployment(d *types.Deployment) (string, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), data)
	})
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

func (s *BoltStore) DeleteDeployment(id string) error {
	return s.withDeployment(id, func(d *types.Deployment) {
		d.Deleted = true
	})
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var found *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment not found: %s", id)
		}
		var d types.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		found = &d
		return nil
	})
	return found, err
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, data []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			if !d.Deleted {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetDeploymentsWithProjects() ([]DeploymentWithProject, error) {
	var out []DeploymentWithProject
	err := s.db.View(func(tx *bolt.Tx) error {
		projects := map[string]types.Project{}
		if err := tx.Bucket(bucketProjects).ForEach(func(_, data []byte) error {
			var p types.Project
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			projects[p.ID] = p
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketDeployments).ForEach(func(_, data []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			if d.Deleted {
				return nil
			}
			project, ok := projects[d.Project]
			if !ok {
				// Orphaned deployment: the world model drops these silently
				// on rebuild; persistence keeps the row.
				return nil
			}
			out = append(out, DeploymentWithProject{Deployment: d, Project: project})
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) withDeployment(id string, mutate func(*types.Deployment)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment not found: %s", id)
		}
		var d types.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		mutate(&d)
		updated, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) UpdateDeploymentResult(id string, result types.BuildResult) error {
	return s.withDeployment(id, func(d *types.Deployment) {
		d.Result = result
	})
}

func (s *BoltStore) UpdateDeploymentBuildStart(id string, at time.Time) error {
	return s.withDeployment(id, func(d *types.Deployment) {
		d.BuildStarted = &at
	})
}

func (s *BoltStore) UpdateDeploymentBuildEnd(id string, at time.Time) error {
	return s.withDeployment(id, func(d *types.Deployment) {
		d.BuildFinished = &at
	})
}

func (s *BoltStore) ResetDeploymentBuildEnd(id string) error {
	return s.withDeployment(id, func(d *types.Deployment) {
		d.BuildFinished = nil
	})
}

func (s *BoltStore) HashExistsForProject(project, sha string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, data []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			if !d.Deleted && d.Project == project && d.SHA == sha {
				exists = true
			}
			return nil
		})
	})
	return exists, err
}

func (s *BoltStore) GetLatestSuccessfulDefaultBranchDeployment(project string) (*types.Deployment, error) {
	var candidates []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, data []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			if !d.Deleted && d.Project == project && d.IsDefaultBranch && d.Result == types.BuildResultBuilt {
				candidates = append(candidates, &d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// -- Build logs ---------------------------------------------------------

func (s *BoltStore) InsertDeploymentBuildLog(entry types.BuildLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketBuildLogs).CreateBucketIfNotExists([]byte(entry.Deployment))
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		seq, _ := b.NextSequence()
		key := fmt.Sprintf("%020d", seq)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) GetDeploymentBuildLogs(id string) ([]types.BuildLogEntry, error) {
	var out []types.BuildLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuildLogs).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var entry types.BuildLogEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ClearDeploymentBuildLogs(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketBuildLogs).DeleteBucket([]byte(id))
		if err == bolt.ErrBucketNotFound {
			return nil // nothing logged yet
		}
		return err
	})
}
