// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// Every mutation of a parent's child collection runs in one transaction that
// first takes a row-level lock on the parent (SELECT ... FOR UPDATE). The
// lock is the serialization point: capacity check, index allocation, sibling
// shifts and the write itself all happen under it, so two concurrent inserts
// against the same parent cannot both observe the same count. The
// (parent, order_index) unique constraints are DEFERRABLE INITIALLY DEFERRED,
// letting batch shifts pass through transient duplicates inside the
// transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/specboard/specboard/internal/domain/item"
	"github.com/specboard/specboard/internal/domain/project"
	"github.com/specboard/specboard/internal/domain/specification"
	"github.com/specboard/specboard/internal/domain/user"
	"github.com/specboard/specboard/internal/ordering"
	"github.com/specboard/specboard/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ProjectStore = (*Store)(nil)
var _ storage.SpecificationStore = (*Store)(nil)
var _ storage.ItemStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, google_id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.GoogleID, u.Email, u.Name, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, google_id, email, name, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id))
}

func (s *Store) GetUserByGoogleID(ctx context.Context, googleID string) (user.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, google_id, email, name, created_at, updated_at
		FROM users
		WHERE google_id = $1
	`, googleID))
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, name = $3, updated_at = $4
		WHERE id = $1
	`, u.ID, u.Email, u.Name, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.GoogleID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, mapNoRows(err)
	}
	return u, nil
}

// --- ProjectStore -----------------------------------------------------------

func (s *Store) CreateProject(ctx context.Context, p project.Project) (project.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, title, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.Title, p.OwnerID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return project.Project{}, err
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (project.Project, error) {
	var p project.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Title, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return project.Project{}, mapNoRows(err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at
		FROM projects
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]project.Project, 0)
	for rows.Next() {
		var p project.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p project.Project) (project.Project, error) {
	existing, err := s.GetProject(ctx, p.ID)
	if err != nil {
		return project.Project{}, err
	}

	p.OwnerID = existing.OwnerID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET title = $2, updated_at = $3
		WHERE id = $1
	`, p.ID, p.Title, p.UpdatedAt)
	if err != nil {
		return project.Project{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return project.Project{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	// Specifications and items go with the project via ON DELETE CASCADE.
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// lockProject takes the per-project serialization lock for the duration of
// the surrounding transaction.
func lockProject(ctx context.Context, tx *sql.Tx, projectID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM projects WHERE id = $1 FOR UPDATE
	`, projectID).Scan(&id)
	return mapNoRows(err)
}

// lockSpecification takes the per-specification serialization lock for item
// mutations.
func lockSpecification(ctx context.Context, tx *sql.Tx, specID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM specifications WHERE id = $1 FOR UPDATE
	`, specID).Scan(&id)
	return mapNoRows(err)
}

// applyShift adjusts order_index over an inclusive sibling range in a single
// statement so no intermediate state is visible outside the transaction.
func applyShift(ctx context.Context, tx *sql.Tx, table, parentCol, parentID string, shift ordering.Shift) error {
	var err error
	if shift.MaxIndex == ordering.Unbounded {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET order_index = order_index + $2
			WHERE %s = $1 AND order_index >= $3
		`, table, parentCol), parentID, shift.Delta, shift.MinIndex)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET order_index = order_index + $2
			WHERE %s = $1 AND order_index >= $3 AND order_index <= $4
		`, table, parentCol), parentID, shift.Delta, shift.MinIndex, shift.MaxIndex)
	}
	return err
}

func childIndices(ctx context.Context, tx *sql.Tx, table, parentCol, parentID string) ([]int, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT order_index FROM %s WHERE %s = $1
	`, table, parentCol), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

func childIDSet(ctx context.Context, tx *sql.Tx, table, parentCol, parentID string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE %s = $1
	`, table, parentCol), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// applyPermutation assigns the full new index set in one statement.
func applyPermutation(ctx context.Context, tx *sql.Tx, table, parentCol, parentID string, moves []ordering.Move) error {
	ids := make([]string, len(moves))
	indices := make([]int64, len(moves))
	for i, m := range moves {
		ids[i] = m.ChildID
		indices[i] = int64(m.NewIndex)
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s AS c
		SET order_index = v.order_index
		FROM (SELECT unnest($2::text[]) AS id, unnest($3::bigint[]) AS order_index) AS v
		WHERE c.id = v.id AND c.%s = $1
	`, table, parentCol), parentID, pq.Array(ids), pq.Array(indices))
	return err
}

// --- SpecificationStore -----------------------------------------------------

func (s *Store) CreateSpecification(ctx context.Context, spec specification.Specification, position *int) (specification.Specification, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	spec.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockProject(ctx, tx, spec.ProjectID); err != nil {
			return err
		}
		indices, err := childIndices(ctx, tx, "specifications", "project_id", spec.ProjectID)
		if err != nil {
			return err
		}
		if err := ordering.CheckCapacity(len(indices), specification.MaxPerProject, "specifications"); err != nil {
			return err
		}
		idx, err := ordering.AllocateIndex(indices, position)
		if err != nil {
			return err
		}
		if shift, ok := ordering.InsertShift(idx, len(indices)); ok {
			if err := applyShift(ctx, tx, "specifications", "project_id", spec.ProjectID, shift); err != nil {
				return err
			}
		}
		spec.OrderIndex = idx

		_, err = tx.ExecContext(ctx, `
			INSERT INTO specifications (id, project_id, content, order_index, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, spec.ID, spec.ProjectID, spec.Content, spec.OrderIndex, spec.CreatedAt)
		return err
	})
	if err != nil {
		return specification.Specification{}, err
	}
	return spec, nil
}

func (s *Store) GetSpecification(ctx context.Context, id string) (specification.Specification, error) {
	var spec specification.Specification
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, content, order_index, created_at
		FROM specifications
		WHERE id = $1
	`, id).Scan(&spec.ID, &spec.ProjectID, &spec.Content, &spec.OrderIndex, &spec.CreatedAt)
	if err != nil {
		return specification.Specification{}, mapNoRows(err)
	}
	return spec, nil
}

func (s *Store) ListSpecifications(ctx context.Context, projectID string) ([]specification.Specification, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, content, order_index, created_at
		FROM specifications
		WHERE project_id = $1
		ORDER BY order_index
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSpecifications(rows)
}

func (s *Store) UpdateSpecificationContent(ctx context.Context, id, content string) (specification.Specification, error) {
	var spec specification.Specification
	err := s.db.QueryRowContext(ctx, `
		UPDATE specifications
		SET content = $2
		WHERE id = $1
		RETURNING id, project_id, content, order_index, created_at
	`, id, content).Scan(&spec.ID, &spec.ProjectID, &spec.Content, &spec.OrderIndex, &spec.CreatedAt)
	if err != nil {
		return specification.Specification{}, mapNoRows(err)
	}
	return spec, nil
}

func (s *Store) DeleteSpecification(ctx context.Context, id string) (string, error) {
	var projectID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Resolve the parent first so the lock is taken in parent order,
		// matching every other mutation on the collection.
		if err := tx.QueryRowContext(ctx, `
			SELECT project_id FROM specifications WHERE id = $1
		`, id).Scan(&projectID); err != nil {
			return mapNoRows(err)
		}
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}

		var deletedIndex int
		if err := tx.QueryRowContext(ctx, `
			DELETE FROM specifications WHERE id = $1 RETURNING order_index
		`, id).Scan(&deletedIndex); err != nil {
			return mapNoRows(err)
		}
		return applyShift(ctx, tx, "specifications", "project_id", projectID, ordering.DeleteShift(deletedIndex))
	})
	if err != nil {
		return "", err
	}
	return projectID, nil
}

func (s *Store) ReorderSpecifications(ctx context.Context, projectID string, moves []ordering.Move) ([]specification.Specification, error) {
	var result []specification.Specification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}
		ids, err := childIDSet(ctx, tx, "specifications", "project_id", projectID)
		if err != nil {
			return err
		}
		if err := ordering.ValidatePermutation(moves, ids); err != nil {
			return err
		}
		if err := applyPermutation(ctx, tx, "specifications", "project_id", projectID, moves); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, project_id, content, order_index, created_at
			FROM specifications
			WHERE project_id = $1
			ORDER BY order_index
		`, projectID)
		if err != nil {
			return err
		}
		defer rows.Close()

		result, err = scanSpecifications(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanSpecifications(rows *sql.Rows) ([]specification.Specification, error) {
	specs := make([]specification.Specification, 0)
	for rows.Next() {
		var spec specification.Specification
		if err := rows.Scan(&spec.ID, &spec.ProjectID, &spec.Content, &spec.OrderIndex, &spec.CreatedAt); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// --- ItemStore --------------------------------------------------------------

func (s *Store) CreateItem(ctx context.Context, it item.Item, position *int) (item.Item, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	it.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockSpecification(ctx, tx, it.SpecID); err != nil {
			return err
		}
		indices, err := childIndices(ctx, tx, "items", "spec_id", it.SpecID)
		if err != nil {
			return err
		}
		if err := ordering.CheckCapacity(len(indices), item.MaxPerSpecification, "items"); err != nil {
			return err
		}
		idx, err := ordering.AllocateIndex(indices, position)
		if err != nil {
			return err
		}
		if shift, ok := ordering.InsertShift(idx, len(indices)); ok {
			if err := applyShift(ctx, tx, "items", "spec_id", it.SpecID, shift); err != nil {
				return err
			}
		}
		it.OrderIndex = idx

		_, err = tx.ExecContext(ctx, `
			INSERT INTO items (id, spec_id, content, order_index, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, it.ID, it.SpecID, it.Content, it.OrderIndex, it.CreatedAt)
		return err
	})
	if err != nil {
		return item.Item{}, err
	}
	return it, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (item.Item, error) {
	var it item.Item
	err := s.db.QueryRowContext(ctx, `
		SELECT id, spec_id, content, order_index, created_at
		FROM items
		WHERE id = $1
	`, id).Scan(&it.ID, &it.SpecID, &it.Content, &it.OrderIndex, &it.CreatedAt)
	if err != nil {
		return item.Item{}, mapNoRows(err)
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context, specID string) ([]item.Item, error) {
	if _, err := s.GetSpecification(ctx, specID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spec_id, content, order_index, created_at
		FROM items
		WHERE spec_id = $1
		ORDER BY order_index
	`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanItems(rows)
}

func (s *Store) UpdateItemContent(ctx context.Context, id, content string) (item.Item, error) {
	var it item.Item
	err := s.db.QueryRowContext(ctx, `
		UPDATE items
		SET content = $2
		WHERE id = $1
		RETURNING id, spec_id, content, order_index, created_at
	`, id, content).Scan(&it.ID, &it.SpecID, &it.Content, &it.OrderIndex, &it.CreatedAt)
	if err != nil {
		return item.Item{}, mapNoRows(err)
	}
	return it, nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) (string, error) {
	var specID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT spec_id FROM items WHERE id = $1
		`, id).Scan(&specID); err != nil {
			return mapNoRows(err)
		}
		if err := lockSpecification(ctx, tx, specID); err != nil {
			return err
		}

		var deletedIndex int
		if err := tx.QueryRowContext(ctx, `
			DELETE FROM items WHERE id = $1 RETURNING order_index
		`, id).Scan(&deletedIndex); err != nil {
			return mapNoRows(err)
		}
		return applyShift(ctx, tx, "items", "spec_id", specID, ordering.DeleteShift(deletedIndex))
	})
	if err != nil {
		return "", err
	}
	return specID, nil
}

func (s *Store) ReorderItems(ctx context.Context, specID string, moves []ordering.Move) ([]item.Item, error) {
	var result []item.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lockSpecification(ctx, tx, specID); err != nil {
			return err
		}
		ids, err := childIDSet(ctx, tx, "items", "spec_id", specID)
		if err != nil {
			return err
		}
		if err := ordering.ValidatePermutation(moves, ids); err != nil {
			return err
		}
		if err := applyPermutation(ctx, tx, "items", "spec_id", specID, moves); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, spec_id, content, order_index, created_at
			FROM items
			WHERE spec_id = $1
			ORDER BY order_index
		`, specID)
		if err != nil {
			return err
		}
		defer rows.Close()

		result, err = scanItems(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func scanItems(rows *sql.Rows) ([]item.Item, error) {
	items := make([]item.Item, 0)
	for rows.Next() {
		var it item.Item
		if err := rows.Scan(&it.ID, &it.SpecID, &it.Content, &it.OrderIndex, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
