package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/specboard/specboard/internal/domain/item"
	"github.com/specboard/specboard/internal/domain/project"
	"github.com/specboard/specboard/internal/domain/specification"
	"github.com/specboard/specboard/internal/domain/user"
	apperrors "github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/ordering"
	"github.com/specboard/specboard/internal/storage"
)

func intPtr(v int) *int { return &v }

func seedProject(t *testing.T, s *Store) project.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), project.Project{Title: "roadmap", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func seedSpecification(t *testing.T, s *Store, projectID string) specification.Specification {
	t.Helper()
	spec, err := s.CreateSpecification(context.Background(), specification.Specification{
		ProjectID: projectID,
		Content:   "spec",
	}, nil)
	if err != nil {
		t.Fatalf("create specification: %v", err)
	}
	return spec
}

func assertDenseIndices(t *testing.T, specs []specification.Specification) {
	t.Helper()
	for i, spec := range specs {
		if spec.OrderIndex != i {
			t.Fatalf("expected dense indices, got %d at slot %d", spec.OrderIndex, i)
		}
	}
}

func TestCreateSpecificationAppendsAndInserts(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	var created []specification.Specification
	for i := 0; i < 3; i++ {
		spec, err := s.CreateSpecification(ctx, specification.Specification{
			ProjectID: p.ID,
			Content:   fmt.Sprintf("spec %d", i),
		}, nil)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if spec.OrderIndex != i {
			t.Fatalf("append %d: expected index %d, got %d", i, i, spec.OrderIndex)
		}
		created = append(created, spec)
	}

	inserted, err := s.CreateSpecification(ctx, specification.Specification{
		ProjectID: p.ID,
		Content:   "inserted",
	}, intPtr(1))
	if err != nil {
		t.Fatalf("positional insert: %v", err)
	}
	if inserted.OrderIndex != 1 {
		t.Fatalf("expected inserted index 1, got %d", inserted.OrderIndex)
	}

	specs, err := s.ListSpecifications(ctx, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(specs) != 4 {
		t.Fatalf("expected 4 specifications, got %d", len(specs))
	}
	assertDenseIndices(t, specs)
	if specs[1].ID != inserted.ID {
		t.Fatalf("expected inserted specification at slot 1, got %s", specs[1].ID)
	}
	if specs[2].ID != created[1].ID {
		t.Fatalf("expected former slot-1 specification shifted to slot 2")
	}
}

func TestCreateSpecificationPastEndAppends(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	seedSpecification(t, s, p.ID)

	spec, err := s.CreateSpecification(ctx, specification.Specification{
		ProjectID: p.ID,
		Content:   "tail",
	}, intPtr(99))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if spec.OrderIndex != 1 {
		t.Fatalf("expected appended index 1, got %d", spec.OrderIndex)
	}
}

func TestCreateSpecificationNegativePosition(t *testing.T) {
	s := New()
	p := seedProject(t, s)

	_, err := s.CreateSpecification(context.Background(), specification.Specification{
		ProjectID: p.ID,
		Content:   "bad",
	}, intPtr(-1))
	if !apperrors.IsCode(err, apperrors.CodeInvalidPosition) {
		t.Fatalf("expected invalid position error, got %v", err)
	}
}

func TestCreateSpecificationMissingProject(t *testing.T) {
	s := New()
	_, err := s.CreateSpecification(context.Background(), specification.Specification{
		ProjectID: "missing",
		Content:   "orphan",
	}, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteSpecificationShiftsSiblings(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	ids := make([]string, 4)
	for i := range ids {
		spec, err := s.CreateSpecification(ctx, specification.Specification{
			ProjectID: p.ID,
			Content:   fmt.Sprintf("spec %d", i),
		}, nil)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids[i] = spec.ID
	}

	projectID, err := s.DeleteSpecification(ctx, ids[1])
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if projectID != p.ID {
		t.Fatalf("expected parent id %s, got %s", p.ID, projectID)
	}

	specs, err := s.ListSpecifications(ctx, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specifications, got %d", len(specs))
	}
	assertDenseIndices(t, specs)
	want := []string{ids[0], ids[2], ids[3]}
	for i, spec := range specs {
		if spec.ID != want[i] {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], spec.ID)
		}
	}
}

func TestReorderSpecifications(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)

	ids := make([]string, 3)
	for i := range ids {
		spec, err := s.CreateSpecification(ctx, specification.Specification{
			ProjectID: p.ID,
			Content:   fmt.Sprintf("spec %d", i),
		}, nil)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids[i] = spec.ID
	}

	specs, err := s.ReorderSpecifications(ctx, p.ID, []ordering.Move{
		{ChildID: ids[0], NewIndex: 2},
		{ChildID: ids[1], NewIndex: 0},
		{ChildID: ids[2], NewIndex: 1},
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertDenseIndices(t, specs)
	want := []string{ids[1], ids[2], ids[0]}
	for i, spec := range specs {
		if spec.ID != want[i] {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], spec.ID)
		}
	}
}

func TestReorderSpecificationsRejectsBadPermutation(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	a := seedSpecification(t, s, p.ID)
	b := seedSpecification(t, s, p.ID)

	cases := []struct {
		name  string
		moves []ordering.Move
	}{
		{"incomplete", []ordering.Move{{ChildID: a.ID, NewIndex: 0}}},
		{"foreign child", []ordering.Move{{ChildID: a.ID, NewIndex: 0}, {ChildID: "stranger", NewIndex: 1}}},
		{"gap", []ordering.Move{{ChildID: a.ID, NewIndex: 0}, {ChildID: b.ID, NewIndex: 2}}},
		{"duplicate index", []ordering.Move{{ChildID: a.ID, NewIndex: 0}, {ChildID: b.ID, NewIndex: 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.ReorderSpecifications(ctx, p.ID, tc.moves); !apperrors.IsCode(err, apperrors.CodeInvalidReorder) {
				t.Fatalf("expected invalid reorder error, got %v", err)
			}
		})
	}
}

func TestItemCapacityBoundary(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	spec := seedSpecification(t, s, p.ID)

	for i := 0; i < item.MaxPerSpecification; i++ {
		if _, err := s.CreateItem(ctx, item.Item{SpecID: spec.ID, Content: fmt.Sprintf("item %d", i)}, nil); err != nil {
			t.Fatalf("create item %d: %v", i, err)
		}
	}

	_, err := s.CreateItem(ctx, item.Item{SpecID: spec.ID, Content: "overflow"}, nil)
	if !apperrors.IsCode(err, apperrors.CodeCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestConcurrentCreatesAtCapacityBoundary(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	spec := seedSpecification(t, s, p.ID)

	for i := 0; i < item.MaxPerSpecification-1; i++ {
		if _, err := s.CreateItem(ctx, item.Item{SpecID: spec.ID, Content: fmt.Sprintf("item %d", i)}, nil); err != nil {
			t.Fatalf("create item %d: %v", i, err)
		}
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = s.CreateItem(ctx, item.Item{SpecID: spec.ID, Content: "racer"}, nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !apperrors.IsCode(err, apperrors.CodeCapacityExceeded) {
			t.Fatalf("unexpected racer error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one racer to win the last slot, got %d", succeeded)
	}

	items, err := s.ListItems(ctx, spec.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != item.MaxPerSpecification {
		t.Fatalf("expected %d items, got %d", item.MaxPerSpecification, len(items))
	}
	for i, it := range items {
		if it.OrderIndex != i {
			t.Fatalf("expected dense indices after race, got %d at slot %d", it.OrderIndex, i)
		}
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	spec := seedSpecification(t, s, p.ID)
	it, err := s.CreateItem(ctx, item.Item{SpecID: spec.ID, Content: "leaf"}, nil)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := s.GetSpecification(ctx, spec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected cascaded specification delete, got %v", err)
	}
	if _, err := s.GetItem(ctx, it.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected cascaded item delete, got %v", err)
	}
}

func TestItemDeleteAndReorder(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seedProject(t, s)
	spec := seedSpecification(t, s, p.ID)

	ids := make([]string, 3)
	for i := range ids {
		it, err := s.CreateItem(ctx, item.Item{SpecID: spec.ID, Content: fmt.Sprintf("item %d", i)}, nil)
		if err != nil {
			t.Fatalf("create item %d: %v", i, err)
		}
		ids[i] = it.ID
	}

	specID, err := s.DeleteItem(ctx, ids[0])
	if err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if specID != spec.ID {
		t.Fatalf("expected parent id %s, got %s", spec.ID, specID)
	}

	items, err := s.ReorderItems(ctx, spec.ID, []ordering.Move{
		{ChildID: ids[1], NewIndex: 1},
		{ChildID: ids[2], NewIndex: 0},
	})
	if err != nil {
		t.Fatalf("reorder items: %v", err)
	}
	if items[0].ID != ids[2] || items[1].ID != ids[1] {
		t.Fatalf("unexpected order after reorder: %s, %s", items[0].ID, items[1].ID)
	}
}

func TestUserLookupByGoogleID(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, user.User{GoogleID: "g-123", Email: "a@example.com", Name: "Ada"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	found, err := s.GetUserByGoogleID(ctx, "g-123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("expected user %s, got %s", created.ID, found.ID)
	}

	if _, err := s.GetUserByGoogleID(ctx, "g-unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
