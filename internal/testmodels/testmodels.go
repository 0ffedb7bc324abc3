// Package testmodels declares the fixture models shared by the engine
// tests: a Parent counting its children, a Child rendering a path string
// from its parent's fields, and an Article aggregating its M2M-linked tags.
//
// Every constructor returns fresh model values so tests can mutate
// declarations without leaking into each other.
package testmodels

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/derivekit/derive/model"
)

// Parent has one computed field counting the children linked via the
// Child.parent foreign key.
func Parent() *model.Model {
	return &model.Model{
		Name:  "Parent",
		Table: "parents",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "name", SQLType: "TEXT"},
		},
		Computed: []*model.ComputedField{
			model.MustComputed(
				model.Field{Name: "children_count", SQLType: "INTEGER"},
				CountChildren,
				model.Depends("children", "parent"),
			),
		},
	}
}

// Child points at Parent and has one computed field combining its own name
// with the parent's name and children count.
func Child() *model.Model {
	return &model.Model{
		Name:  "Child",
		Table: "children",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "name", SQLType: "TEXT"},
		},
		Relations: []*model.Relation{
			{Name: "parent", Kind: model.ForeignKey, Target: "Parent",
				Reverse: "children", Column: "parent_id"},
		},
		Computed: []*model.ComputedField{
			model.MustComputed(
				model.Field{Name: "path", SQLType: "TEXT"},
				ChildPath,
				model.Depends(model.SelfPath, "name"),
				model.Depends("parent", "name", "children_count"),
				model.SelectRelated("parent"),
			),
		},
	}
}

// Tag is a plain source model for the M2M scenario.
func Tag() *model.Model {
	return &model.Model{
		Name:  "Tag",
		Table: "tags",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "name", SQLType: "TEXT"},
		},
	}
}

// Article aggregates the names of its M2M-linked tags.
func Article() *model.Model {
	return &model.Model{
		Name:  "Article",
		Table: "articles",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "title", SQLType: "TEXT"},
		},
		Relations: []*model.Relation{
			{Name: "tags", Kind: model.ManyToMany, Target: "Tag",
				Reverse: "articles", Through: "article_tags",
				LeftColumn: "article_id", RightColumn: "tag_id"},
		},
		Computed: []*model.ComputedField{
			model.MustComputed(
				model.Field{Name: "tag_list", SQLType: "TEXT"},
				TagList,
				model.Depends("tags", "name"),
				model.PrefetchRelated("tags"),
			),
		},
	}
}

// All returns a fresh registry of every fixture model.
func All() model.Set {
	s := make(model.Set)
	s.Add(Parent())
	s.Add(Child())
	s.Add(Tag())
	s.Add(Article())
	return s
}

// CountChildren computes Parent.children_count.
func CountChildren(ctx context.Context, inst model.Instance) (any, error) {
	children, err := inst.RelatedAll(ctx, "children")
	if err != nil {
		return nil, err
	}
	return int64(len(children)), nil
}

// ChildPath computes Child.path as "/<parent name>#<children count>/<name>".
func ChildPath(ctx context.Context, inst model.Instance) (any, error) {
	name, _ := inst.Get("name").(string)
	parent, err := inst.Related(ctx, "parent")
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return "/" + name, nil
	}
	return fmt.Sprintf("/%v#%v/%s", parent.Get("name"), parent.Get("children_count"), name), nil
}

// TagList computes Article.tag_list as the sorted, comma-joined tag names.
func TagList(ctx context.Context, inst model.Instance) (any, error) {
	tags, err := inst.RelatedAll(ctx, "tags")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, fmt.Sprintf("%v", tag.Get("name")))
	}
	sort.Strings(names)
	return strings.Join(names, ", "), nil
}
