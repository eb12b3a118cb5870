package label

import "testing"

const boxDomain = "red-squirrel.hearth.app"

func roundTrip(t *testing.T, hostname string) Label {
	t.Helper()
	l, err := Strip(hostname, boxDomain)
	if err != nil {
		t.Fatalf("Strip(%q): %v", hostname, err)
	}
	if got := l.Format(boxDomain); got != hostname {
		t.Fatalf("Format(Strip(%q)) = %q, want %q", hostname, got, hostname)
	}
	return l
}

func TestProd(t *testing.T) {
	l := roundTrip(t, "demo."+boxDomain)
	if l.Kind != Prod || l.Project != "demo" {
		t.Fatalf("got %+v", l)
	}
}

func TestProdDB(t *testing.T) {
	l := roundTrip(t, "demo--libsql."+boxDomain)
	if l.Kind != ProdDB || l.Project != "demo" {
		t.Fatalf("got %+v", l)
	}
}

func TestDeployment(t *testing.T) {
	l := roundTrip(t, "demo--ab12cd34ef."+boxDomain)
	if l.Kind != Deployment || l.Project != "demo" || l.Deployment != "ab12cd34ef" {
		t.Fatalf("got %+v", l)
	}
}

func TestDeploymentInsert(t *testing.T) {
	l := roundTrip(t, "demo--ab12cd34ef-insert."+boxDomain)
	if l.Kind != DeploymentInsert || !l.InsertEnabled() {
		t.Fatalf("got %+v", l)
	}
}

func TestBranchDB(t *testing.T) {
	l := roundTrip(t, "demo--ab12cd34ef-libsql."+boxDomain)
	if l.Kind != BranchDB || l.Project != "demo" || l.Deployment != "ab12cd34ef" {
		t.Fatalf("got %+v", l)
	}
}

func TestStripRejectsWrongDomain(t *testing.T) {
	if _, err := Strip("demo.other.domain", boxDomain); err == nil {
		t.Fatal("expected error for hostname not ending in box domain")
	}
}

func TestStripRejectsExtraDot(t *testing.T) {
	if _, err := Strip("demo.sub."+boxDomain, boxDomain); err == nil {
		t.Fatal("expected error for label containing a dot")
	}
}

func TestStripRejectsGarbageSublabel(t *testing.T) {
	if _, err := Strip("demo--a-b-c."+boxDomain, boxDomain); err == nil {
		t.Fatal("expected error for unrecognized sub-label shape")
	}
}
