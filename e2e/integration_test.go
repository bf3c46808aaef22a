//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: go test -tags=e2e -v ./e2e/...
//
// ROWSAGA_E2E_PROFILE selects a shared AWS profile; otherwise the default
// credential chain is used.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/rowsaga/cascade"
	"github.com/jacentio/rowsaga/reconcile"
	"github.com/jacentio/rowsaga/repo"
	"github.com/jacentio/rowsaga/saga"
	"github.com/jacentio/rowsaga/store"
	"github.com/jacentio/rowsaga/unique"
)

// Table names are unique per test run to avoid conflicts.
const tablePrefix = "rowsaga-e2e-test"

var (
	testID             string
	organizationsTable string
	studiosTable       string
	titlesTable        string
	indexTable         string
	uniqueTable        string
	inconsistencyTable string

	ddbClient *dynamodb.Client
	rows      store.RowStore
	recorder  *reconcile.TableRecorder
	svc       *repo.Services

	orgs    *repo.Repository[Organization]
	studios *repo.Repository[Studio]
	titles  *repo.Repository[Title]
)

// --- Test Entities ---

// Organization is a root entity.
type Organization struct {
	ID   string `dynamodbav:"id"`
	Name string `dynamodbav:"name"`
}

// Studio belongs to an Organization; its slug is unique per organization.
type Studio struct {
	ID             string `dynamodbav:"id"`
	OrganizationID string `dynamodbav:"organization_id"`
	Name           string `dynamodbav:"name"`
	Slug           string `dynamodbav:"slug"`
}

// Title belongs to a Studio.
type Title struct {
	ID       string `dynamodbav:"id"`
	StudioID string `dynamodbav:"studio_id"`
	Name     string `dynamodbav:"name"`
}

func orgStudios() cascade.Relationship {
	return cascade.Relationship{
		ParentType: "organization", ChildType: "studio",
		ParentTable: organizationsTable, ChildTable: studiosTable,
		CollectionField: "studios", Cascade: true,
	}
}

func studioTitles() cascade.Relationship {
	return cascade.Relationship{
		ParentType: "studio", ChildType: "title",
		ParentTable: studiosTable, ChildTable: titlesTable,
		CollectionField: "titles", Cascade: true,
	}
}

func orgRef(id string) store.Ref    { return store.Ref{Partition: "organization", Row: id} }
func studioRef(id string) store.Ref { return store.Ref{Partition: "studio", Row: id} }
func titleRef(id string) store.Ref  { return store.Ref{Partition: "title", Row: id} }

func newRepositories() error {
	var err error
	orgs, err = repo.New(svc, repo.Schema[Organization]{
		Type:  "organization",
		Table: organizationsTable,
		Codec: store.StructCodec[Organization]{
			Table: organizationsTable,
			KeyOf: func(o Organization) (string, string) { return "organization", o.ID },
		},
	})
	if err != nil {
		return err
	}

	studios, err = repo.New(svc, repo.Schema[Studio]{
		Type:  "studio",
		Table: studiosTable,
		Codec: store.StructCodec[Studio]{
			Table: studiosTable,
			KeyOf: func(s Studio) (string, string) { return "studio", s.ID },
		},
		Indexes: []repo.Index[Studio]{{
			Name:      "name",
			Value:     func(s Studio) any { return s.Name },
			Qualifier: func(s Studio) string { return s.OrganizationID },
		}},
		Uniques: []repo.Unique[Studio]{{
			Attribute:   "slug",
			Values:      func(s Studio) []string { return []string{s.Slug} },
			ScopeValues: func(s Studio) []string { return []string{s.OrganizationID} },
			Ignore:      unique.IgnoreEmpty,
		}},
		Links: []repo.Link[Studio]{{
			Relationship: orgStudios(),
			Parent: func(s Studio) (store.Key, bool) {
				return store.Key{Partition: "organization", Row: s.OrganizationID}, true
			},
		}},
	})
	if err != nil {
		return err
	}

	titles, err = repo.New(svc, repo.Schema[Title]{
		Type:  "title",
		Table: titlesTable,
		Codec: store.StructCodec[Title]{
			Table: titlesTable,
			KeyOf: func(t Title) (string, string) { return "title", t.ID },
		},
		Links: []repo.Link[Title]{{
			Relationship: studioTitles(),
			Parent: func(t Title) (store.Key, bool) {
				return store.Key{Partition: "studio", Row: t.StudioID}, true
			},
		}},
	})
	return err
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	organizationsTable = fmt.Sprintf("%s-%s-organizations", tablePrefix, testID)
	studiosTable = fmt.Sprintf("%s-%s-studios", tablePrefix, testID)
	titlesTable = fmt.Sprintf("%s-%s-titles", tablePrefix, testID)
	indexTable = fmt.Sprintf("%s-%s-index", tablePrefix, testID)
	uniqueTable = fmt.Sprintf("%s-%s-unique", tablePrefix, testID)
	inconsistencyTable = fmt.Sprintf("%s-%s-inconsistencies", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if profile := os.Getenv("ROWSAGA_E2E_PROFILE"); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}
	ddbClient = dynamodb.NewFromConfig(cfg)

	if err := createTables(ctx); err != nil {
		fmt.Printf("Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	storeConfig := store.Config{
		IndexTable:         indexTable,
		UniqueTable:        uniqueTable,
		InconsistencyTable: inconsistencyTable,
		NumShards:          4,
	}
	rows = store.NewDynamo(ddbClient)
	recorder = reconcile.NewTableRecorder(rows, storeConfig)
	svc = repo.NewServices(rows, storeConfig, repo.WithRecorder(recorder))
	if err := newRepositories(); err != nil {
		fmt.Printf("Failed to build repositories: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := deleteTables(ctx); err != nil {
		fmt.Printf("Failed to delete tables: %v\n", err)
	}
	os.Exit(code)
}

func allTables() []string {
	return []string{organizationsTable, studiosTable, titlesTable, indexTable, uniqueTable, inconsistencyTable}
}

func createTables(ctx context.Context) error {
	fmt.Println("Creating test tables...")

	// Every table shares the (pk, sk) layout the row store writes.
	for _, tableName := range allTables() {
		_, err := ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(tableName),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(store.AttrPartition), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(store.AttrRow), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(store.AttrPartition), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(store.AttrRow), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
			StreamSpecification: &types.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: types.StreamViewTypeOldImage,
			},
		})
		if err != nil {
			return fmt.Errorf("create table %s: %w", tableName, err)
		}
	}

	for _, tableName := range allTables() {
		waiter := dynamodb.NewTableExistsWaiter(ddbClient)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", tableName, err)
		}
		_, err := ddbClient.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
			TableName: aws.String(tableName),
			TimeToLiveSpecification: &types.TimeToLiveSpecification{
				AttributeName: aws.String(store.TTLAttr),
				Enabled:       aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("enable ttl on %s: %w", tableName, err)
		}
	}

	fmt.Println("All tables created and active")
	return nil
}

func deleteTables(ctx context.Context) error {
	fmt.Println("Deleting test tables...")
	for _, tableName := range allTables() {
		_, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			fmt.Printf("Warning: failed to delete table %s: %v\n", tableName, err)
		}
	}
	fmt.Println("Tables deleted")
	return nil
}

func newOrg(t *testing.T, ctx context.Context) Organization {
	t.Helper()
	org, err := orgs.Create(ctx, Organization{ID: uuid.NewString(), Name: "Org " + testID})
	if err != nil {
		t.Fatalf("Create org failed: %v", err)
	}
	return org
}

func newStudio(t *testing.T, ctx context.Context, orgID, slug string) Studio {
	t.Helper()
	studio, err := studios.Create(ctx, Studio{ID: uuid.NewString(), OrganizationID: orgID, Name: "Studio " + slug, Slug: slug})
	if err != nil {
		t.Fatalf("Create studio failed: %v", err)
	}
	return studio
}

func childrenOf(t *testing.T, ctx context.Context, rel cascade.Relationship, parent store.Ref) []store.Ref {
	t.Helper()
	refs, err := svc.Links.Children(ctx, rel, parent.In(rel.ParentTable))
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	return refs
}

// --- CRUD Tests ---

func TestCreate_RootEntity(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)

	row, err := rows.FindByID(ctx, orgRef(org.ID).In(organizationsTable))
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if row.Version != 1 {
		t.Errorf("expected version 1, got %d", row.Version)
	}
	if row.CreatedAt.IsZero() || row.UpdatedAt.IsZero() {
		t.Error("expected created_at and updated_at to be set")
	}
}

func TestCreate_ChildEntity_LinksParent(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	studio := newStudio(t, ctx, org.ID, "linked")

	refs := childrenOf(t, ctx, orgStudios(), orgRef(org.ID))
	if len(refs) != 1 || refs[0] != studioRef(studio.ID) {
		t.Errorf("expected studio in parent collection, got %v", refs)
	}
}

func TestCreate_ChildEntity_ParentNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := studios.Create(ctx, Studio{ID: uuid.NewString(), OrganizationID: "missing", Slug: "orphan-" + testID})
	var serr *saga.StepError
	if !errors.As(err, &serr) || serr.Kind != saga.KindNotFound {
		t.Fatalf("expected not-found step error, got %v", err)
	}

	// the slug claim made before the link step was released
	_, err = svc.Uniques.Owner(ctx, unique.Constraint{
		Attribute: "slug", Scope: "studio",
		Values: []string{"orphan-" + testID}, ScopeValues: []string{"missing"},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected released claim, got %v", err)
	}
}

func TestCreate_DuplicateEntity(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)

	_, err := orgs.Create(ctx, org)
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := orgs.Get(context.Background(), orgRef(uuid.NewString()))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_Success(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	studio := newStudio(t, ctx, org.ID, "before")

	updated, err := studios.Update(ctx, studioRef(studio.ID), func(s Studio) (Studio, error) {
		s.Name = "Renamed"
		return s, nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Name != "Renamed" {
		t.Errorf("expected Renamed, got %q", updated.Name)
	}

	found, err := studios.Lookup(ctx, "name", "Renamed", org.ID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != studio.ID {
		t.Errorf("expected lookup to find the renamed studio, got %v", found)
	}

	// the parent collection survives the update
	if refs := childrenOf(t, ctx, orgStudios(), orgRef(org.ID)); len(refs) != 1 {
		t.Errorf("expected 1 child after update, got %v", refs)
	}
}

func TestUpdate_OptimisticLockFailure(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	key := orgRef(org.ID).In(organizationsTable)

	_, err := rows.Update(ctx, key, func(p store.Props) (store.Props, error) {
		if _, err := rows.Update(ctx, key, func(p store.Props) (store.Props, error) {
			p["name"] = "winner"
			return p, nil
		}); err != nil {
			t.Fatalf("inner update failed: %v", err)
		}
		p["name"] = "loser"
		return p, nil
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

// --- Uniqueness Tests ---

func TestUniqueConstraint_Enforced(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	newStudio(t, ctx, org.ID, "taken")

	_, err := studios.Create(ctx, Studio{ID: uuid.NewString(), OrganizationID: org.ID, Slug: "taken"})
	if !errors.Is(err, unique.ErrViolation) {
		t.Errorf("expected ErrViolation, got %v", err)
	}
	if refs := childrenOf(t, ctx, orgStudios(), orgRef(org.ID)); len(refs) != 1 {
		t.Errorf("failed create must not stay linked, got %v", refs)
	}
}

func TestUniqueConstraint_DifferentParents_AllowsSameSlug(t *testing.T) {
	ctx := context.Background()
	newStudio(t, ctx, newOrg(t, ctx).ID, "shared")
	newStudio(t, ctx, newOrg(t, ctx).ID, "shared")
}

func TestUniqueConstraint_UpdateChangesUniqueField(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	studio := newStudio(t, ctx, org.ID, "old-slug")

	_, err := studios.Update(ctx, studioRef(studio.ID), func(s Studio) (Studio, error) {
		s.Slug = "new-slug"
		return s, nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// the old slug is free again
	newStudio(t, ctx, org.ID, "old-slug")

	_, err = studios.Create(ctx, Studio{ID: uuid.NewString(), OrganizationID: org.ID, Slug: "new-slug"})
	if !errors.Is(err, unique.ErrViolation) {
		t.Errorf("expected ErrViolation for the new slug, got %v", err)
	}
}

// --- Delete Tests ---

func TestDelete_OrphanProtect_FailsWithChildren(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	newStudio(t, ctx, org.ID, "child")

	_, err := orgs.Delete(ctx, orgRef(org.ID), repo.DeleteOptions{OrphanProtect: true})
	if !errors.Is(err, cascade.ErrHasChildren) {
		t.Errorf("expected ErrHasChildren, got %v", err)
	}
	if _, err := orgs.Get(ctx, orgRef(org.ID)); err != nil {
		t.Errorf("organization should survive: %v", err)
	}
}

func TestDelete_OrphanProtect_SucceedsWithoutChildren(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)

	if _, err := orgs.Delete(ctx, orgRef(org.ID), repo.DeleteOptions{OrphanProtect: true}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}

func TestDelete_UnlinksAndReleases(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	studio := newStudio(t, ctx, org.ID, "released")

	if _, err := studios.Delete(ctx, studioRef(studio.ID), repo.DeleteOptions{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if refs := childrenOf(t, ctx, orgStudios(), orgRef(org.ID)); len(refs) != 0 {
		t.Errorf("expected empty collection, got %v", refs)
	}
	newStudio(t, ctx, org.ID, "released")
}

func TestDeepHierarchy_CascadeDelete(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	studio := newStudio(t, ctx, org.ID, "deep")
	title, err := titles.Create(ctx, Title{ID: uuid.NewString(), StudioID: studio.ID, Name: "Episode 1"})
	if err != nil {
		t.Fatalf("Create title failed: %v", err)
	}

	if _, err := orgs.Delete(ctx, orgRef(org.ID), repo.DeleteOptions{Cascade: true}); err != nil {
		t.Fatalf("cascade Delete failed: %v", err)
	}
	if _, err := studios.Get(ctx, studioRef(studio.ID)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected studio deleted, got %v", err)
	}
	if _, err := titles.Get(ctx, titleRef(title.ID)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected title deleted, got %v", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)

	if _, err := orgs.Delete(ctx, orgRef(org.ID), repo.DeleteOptions{}); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	_, err := orgs.Delete(ctx, orgRef(org.ID), repo.DeleteOptions{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// --- TTL Tests ---

func TestExpireAt_HidesRowAndJanitorReleases(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	studio := newStudio(t, ctx, org.ID, "expiring")
	key := studioRef(studio.ID).In(studiosTable)

	if err := studios.ExpireAt(ctx, studioRef(studio.ID), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ExpireAt failed: %v", err)
	}
	if _, err := rows.FindByID(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired row hidden, got %v", err)
	}

	// DynamoDB purges asynchronously; read the raw item the stream would carry.
	out, err := ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(studiosTable),
		Key: map[string]types.AttributeValue{
			store.AttrPartition: &types.AttributeValueMemberS{Value: key.Partition},
			store.AttrRow:       &types.AttributeValueMemberS{Value: key.Row},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil || out.Item == nil {
		t.Fatalf("raw GetItem failed: %v", err)
	}
	removed, err := store.RowFromItem(studiosTable, out.Item)
	if err != nil {
		t.Fatalf("RowFromItem failed: %v", err)
	}
	if err := repo.NewJanitor(svc).Expire(ctx, removed); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	if refs := childrenOf(t, ctx, orgStudios(), orgRef(org.ID)); len(refs) != 0 {
		t.Errorf("expected expired studio unlinked, got %v", refs)
	}
	newStudio(t, ctx, org.ID, "expiring")
}

func TestQuery_WithTTLFiltering(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	live := newStudio(t, ctx, org.ID, "live")
	gone := newStudio(t, ctx, org.ID, "gone")

	if err := studios.ExpireAt(ctx, studioRef(gone.ID), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ExpireAt failed: %v", err)
	}

	all, err := rows.Query(ctx, studiosTable, "studio")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var sawLive bool
	for _, r := range all {
		if r.Row == gone.ID {
			t.Errorf("expired studio %s returned by Query", gone.ID)
		}
		sawLive = sawLive || r.Row == live.ID
	}
	if !sawLive {
		t.Error("live studio missing from Query")
	}
}

func TestCreate_OverExpiredStudioReleasesIt(t *testing.T) {
	ctx := context.Background()
	org := newOrg(t, ctx)
	old := newStudio(t, ctx, org.ID, "reused-"+testID)

	if err := studios.ExpireAt(ctx, studioRef(old.ID), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ExpireAt failed: %v", err)
	}

	// TTL has not removed the item yet; Create purges it and its footprint
	again := old
	again.Slug = "renamed-" + testID
	if _, err := studios.Create(ctx, again); err != nil {
		t.Fatalf("Create over expired studio failed: %v", err)
	}
	if refs := childrenOf(t, ctx, orgStudios(), orgRef(org.ID)); len(refs) != 1 {
		t.Errorf("expected one linked studio, got %v", refs)
	}

	// the expired studio's slug is free again
	newStudio(t, ctx, org.ID, "reused-"+testID)
}

// --- Reconciliation ---

func TestRecorder_RoundTrip(t *testing.T) {
	ctx := context.Background()
	at := time.Now().UTC()

	if err := recorder.Record(ctx, saga.Inconsistency{Saga: "e2e", Step: "record", Cause: errors.New("injected"), At: at}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	entries, err := recorder.List(ctx, at)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var id string
	for _, e := range entries {
		if e.Saga == "e2e" {
			id = e.ID
		}
	}
	if id == "" {
		t.Fatal("recorded entry not listed")
	}
	if err := recorder.Resolve(ctx, at, id); err != nil {
		t.Errorf("Resolve failed: %v", err)
	}
}
