package csv

import (
	"context"
	"io"
	"strings"
	"testing"

	"citydb/internal/config"
	"citydb/internal/parser"
)

func collect(t *testing.T, in string, column string, opt config.Options) ([]parser.ID, []int, error) {
	t.Helper()
	out := make(chan parser.ID, 64)
	var bad []int
	err := StreamIDs(context.Background(), io.NopCloser(strings.NewReader(in)), column, opt, out, func(line int, _ error) {
		bad = append(bad, line)
	})
	close(out)
	var ids []parser.ID
	for id := range out {
		ids = append(ids, id)
	}
	return ids, bad, err
}

func values(ids []parser.ID) string {
	var s []string
	for _, id := range ids {
		s = append(s, id.Value)
	}
	return strings.Join(s, ",")
}

func TestStreamIDs_HeaderColumn(t *testing.T) {
	in := "\uFEFFObject Class; GML ID\nBuilding; BLDG_1\nBuilding;\nRoad; ROAD_7 \n"
	ids, bad, err := collect(t, in, "gml id", config.Options{"comma": ";"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := values(ids); got != "BLDG_1,ROAD_7" {
		t.Fatalf("ids=%q", got)
	}
	if ids[1].Line != 4 {
		t.Fatalf("line=%d want 4", ids[1].Line)
	}
	if len(bad) != 0 {
		t.Fatalf("bad lines %v", bad)
	}
}

func TestStreamIDs_HeaderMap(t *testing.T) {
	in := "Kennung,x\nA,1\nB,2\n"
	ids, _, err := collect(t, in, "gmlid", config.Options{"header_map": map[string]any{"Kennung": "gmlid"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := values(ids); got != "A,B" {
		t.Fatalf("ids=%q", got)
	}
}

func TestStreamIDs_NoHeaderIndex(t *testing.T) {
	in := "x,10\ny,20\nz\n"
	ids, bad, err := collect(t, in, "2", config.Options{"has_header": false})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := values(ids); got != "10,20" {
		t.Fatalf("ids=%q", got)
	}
	if len(bad) != 1 || bad[0] != 3 {
		t.Fatalf("bad=%v want [3]", bad)
	}
}

func TestStreamIDs_DefaultsToFirstColumn(t *testing.T) {
	ids, _, err := collect(t, "id\n1\n2\n", "", nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := values(ids); got != "1,2" {
		t.Fatalf("ids=%q", got)
	}
}

func TestStreamIDs_Errors(t *testing.T) {
	if _, _, err := collect(t, "a,b\n1,2\n", "c", nil); err == nil {
		t.Fatalf("expected unknown column error")
	}
	if _, _, err := collect(t, "1,2\n", "zero", config.Options{"has_header": false}); err == nil {
		t.Fatalf("expected index error")
	}
	ids, _, err := collect(t, "", "id", nil)
	if err != nil || len(ids) != 0 {
		t.Fatalf("empty input: ids=%v err=%v", ids, err)
	}
}

func TestStreamIDs_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan parser.ID)
	err := StreamIDs(ctx, io.NopCloser(strings.NewReader("id\n1\n")), "id", nil, out, nil)
	if err != context.Canceled {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
