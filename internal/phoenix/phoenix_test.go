package phoenix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	p := New("/data/PHOENIX")

	assert.Equal(t, "/data/PHOENIX/GENERAL/StudyA/SUB001/phone",
		p.GeneralPath("StudyA", "SUB001", "phone"))
	assert.Equal(t, "/data/PHOENIX/PROTECTED/StudyA/SUB001/redcap",
		p.ProtectedPath("StudyA", "SUB001", "redcap"))
	assert.Equal(t, "/data/PHOENIX/GENERAL/StudyA/StudyA_metadata.csv",
		p.MetadataPath("StudyA"))
}

func TestStudies(t *testing.T) {
	root := t.TempDir()
	p := New(root)

	// StudyA has a metadata file, StudyB does not, notes is a stray file
	require.NoError(t, os.MkdirAll(p.GeneralPath("StudyA"), 0755))
	require.NoError(t, os.MkdirAll(p.GeneralPath("StudyB"), 0755))
	require.NoError(t, os.WriteFile(p.MetadataPath("StudyA"), []byte("Active,Consent,Subject ID\n"), 0644))
	require.NoError(t, os.WriteFile(p.GeneralPath("notes.txt"), []byte("x"), 0644))

	studies, err := p.Studies()
	require.NoError(t, err)
	assert.Equal(t, []string{"StudyA"}, studies)
}

func TestEnsureLayout(t *testing.T) {
	root := t.TempDir()
	p := New(root)

	require.NoError(t, p.EnsureLayout("StudyA", "SUB001"))

	for _, dir := range []string{
		p.GeneralPath("StudyA", "SUB001"),
		p.ProtectedPath("StudyA", "SUB001"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLoadMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "StudyA_metadata.csv")
	content := `Active,Consent,Subject ID,Beiwe,Dropbox,REDCap
1,2021-06-01,SUB001,beiwe-proj:u1a2b3,mclean:SUB001,redcap:SUB001
0,2021-07-15,SUB002,,mclean:SUB002,
1,2022-01-10,SUB003,beiwe-proj:c4d5e6;beiwe-alt:f7g8h9,,SUB003
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	subjects, err := LoadMetadata(path, "StudyA")
	require.NoError(t, err)
	require.Len(t, subjects, 3)

	sub := subjects[0]
	assert.Equal(t, "SUB001", sub.ID)
	assert.Equal(t, "StudyA", sub.Study)
	assert.True(t, sub.Active)
	assert.Equal(t, "2021-06-01", sub.Consent.Format("2006-01-02"))
	assert.Equal(t, []SourceID{{Label: "beiwe-proj", ID: "u1a2b3"}}, sub.Sources["beiwe"])
	assert.Equal(t, []SourceID{{Label: "mclean", ID: "SUB001"}}, sub.Sources["dropbox"])

	assert.False(t, subjects[1].Active)

	// Multiple ids in one cell, and a bare id without a label
	assert.Equal(t, []SourceID{
		{Label: "beiwe-proj", ID: "c4d5e6"},
		{Label: "beiwe-alt", ID: "f7g8h9"},
	}, subjects[2].Sources["beiwe"])
	assert.Equal(t, []SourceID{{ID: "SUB003"}}, subjects[2].Sources["redcap"])
}

func TestLoadMetadata_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("Active,Subject ID\n1,SUB001\n"), 0644))

	_, err := LoadMetadata(path, "StudyA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consent")
}

func TestLoadMetadata_BadConsentDate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("Active,Consent,Subject ID\n1,June 1st,SUB001\n"), 0644))

	_, err := LoadMetadata(path, "StudyA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consent date")
}

func TestSubjectsFiltersInactive(t *testing.T) {
	root := t.TempDir()
	p := New(root)
	require.NoError(t, os.MkdirAll(p.GeneralPath("StudyA"), 0755))

	content := `Active,Consent,Subject ID
1,2021-06-01,SUB001
0,2021-06-01,SUB002
`
	require.NoError(t, os.WriteFile(p.MetadataPath("StudyA"), []byte(content), 0644))

	subjects, err := p.Subjects("StudyA")
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	assert.Equal(t, "SUB001", subjects[0].ID)
}
