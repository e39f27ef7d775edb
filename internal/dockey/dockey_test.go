package dockey

import "testing"

func TestMakeDocKeyStable(t *testing.T) {
	u := "https://contoso-my.sharepoint.com/personal/ivan_contoso_com/Documents/Отчёт.docx"
	if MakeDocKey(u) != MakeDocKey(u) {
		t.Fatal("key is not stable")
	}
}

func TestMakeDocKeyPercentEncodingInvariant(t *testing.T) {
	decoded := "https://contoso-my.sharepoint.com/personal/ivan_contoso_com/Documents/Отчёт.docx"
	encoded := "https://contoso-my.sharepoint.com/personal/ivan_contoso_com/Documents/%D0%9E%D1%82%D1%87%D1%91%D1%82.docx"

	if MakeDocKey(decoded) != MakeDocKey(encoded) {
		t.Errorf("keys differ:\n%s\n%s", MakeDocKey(decoded), MakeDocKey(encoded))
	}
}

func TestMakeDocKeyShareLink(t *testing.T) {
	u := "https://contoso-my.sharepoint.com/:w:/g/personal/ivan_contoso_com/EbXintoken?e=abc123"
	want := "contoso-my.sharepoint.com/personal/ivan_contoso_com/ebxintoken"
	if got := MakeDocKey(u); got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestMakeDocKeyShareLinkWithIntermediateSegments(t *testing.T) {
	u := "https://contoso-my.sharepoint.com/:w:/r/personal/ivan_contoso_com/Documents/sub/report.docx"
	want := "contoso-my.sharepoint.com/personal/ivan_contoso_com/report.docx"
	if got := MakeDocKey(u); got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestMakeDocKeyDirectPath(t *testing.T) {
	u := "https://contoso-my.sharepoint.com/personal/ivan_contoso_com/Documents/report.docx"
	want := "contoso-my.sharepoint.com/personal/ivan_contoso_com/documents/report.docx"
	if got := MakeDocKey(u); got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestMakeDocKeyQueryAndSlashNoise(t *testing.T) {
	a := MakeDocKey("https://host.example/personal/user_x/docs//file.docx?web=1#frag")
	b := MakeDocKey("https://host.example/personal/user_x/docs/file.docx")
	if a != b {
		t.Errorf("keys differ:\n%s\n%s", a, b)
	}
}

func TestMakeDocKeyFallback(t *testing.T) {
	u := "https://host.example/sites/shared/file.docx"
	want := "host.example/sites/shared/file.docx"
	if got := MakeDocKey(u); got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestUserBucket(t *testing.T) {
	share := "https://contoso-my.sharepoint.com/:w:/g/personal/ivan_contoso_com/EbXintoken"
	direct := "https://contoso-my.sharepoint.com/personal/ivan_contoso_com/Documents/report.docx"
	want := "contoso-my.sharepoint.com/personal/ivan_contoso_com"

	if got := UserBucket(share); got != want {
		t.Errorf("share bucket = %q, want %q", got, want)
	}
	if got := UserBucket(direct); got != want {
		t.Errorf("direct bucket = %q, want %q", got, want)
	}
	if got := UserBucket("https://host.example/sites/shared/file.docx"); got != "" {
		t.Errorf("bucket for non-personal URL = %q, want empty", got)
	}
}
