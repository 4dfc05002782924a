package models_test

import (
	"reflect"
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/models"
)

func TestMergeTagSetsAddWins(t *testing.T) {
	var tags models.ProductTags

	tags.MergeTagSets([]string{"promo", "new"}, nil)
	if got := tags.LiveTags(); !reflect.DeepEqual(got, []string{"new", "promo"}) {
		t.Fatalf("live tags = %v, want [new promo]", got)
	}

	// A remove that observed the add takes effect.
	tags.MergeTagSets(nil, []string{"new"})
	if got := tags.LiveTags(); !reflect.DeepEqual(got, []string{"promo"}) {
		t.Fatalf("live tags after remove = %v, want [promo]", got)
	}

	// A remove for a tag never added is ignored, not queued.
	tags.MergeTagSets(nil, []string{"clearance"})
	if got := tags.LiveTags(); !reflect.DeepEqual(got, []string{"promo"}) {
		t.Fatalf("live tags after blind remove = %v, want [promo]", got)
	}

	// Re-adding a removed tag revives it: add wins.
	tags.MergeTagSets([]string{"new"}, nil)
	if got := tags.LiveTags(); !reflect.DeepEqual(got, []string{"new", "promo"}) {
		t.Fatalf("live tags after re-add = %v, want [new promo]", got)
	}
}
