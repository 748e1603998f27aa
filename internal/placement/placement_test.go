package placement

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staffline/internal/fault"
)

const base = "DC=central,DC=st-ing,DC=com"

func TestResolveHeadquartersIT(t *testing.T) {
	p := DefaultPolicy(base)
	got, err := p.Resolve("Медовый", "Отдел информационных технологий")
	require.NoError(t, err)
	assert.Equal(t, "OU=Отдел информационных технологий,OU=Департамент обеспечения,OU=СтройТехноИнженеринг,"+base, got.OU)
	assert.Equal(t, "headquarters:информац", got.Rule)
}

func TestResolveOrder(t *testing.T) {
	p := DefaultPolicy(base)
	cases := []struct {
		site, dept, rule, ouPrefix string
	}{
		{"Доп. офис ТРЁХПРУДНЫЙ", "Бухгалтерия", "aux-office:прудный", "OU=Доп. офис Трёхпрудный,"},
		{"Лобня", "Отдел логистики", "site-department:лобня/логистик", "OU=Отдел логистики и складского учета,OU=Коммерческий департамент,OU=DtTermo,"},
		{"медовый переулок", "Отдел закупок и логистики", "headquarters:закупок", "OU=Отдел закупок,"},
		{"Медовый", "Отдел ПТО", "headquarters:пто", "OU=Отдел ПТО,OU=Технический департамент,"},
		{"Медовый", "Главная бухгалтерия", "headquarters:ухгалтери", "OU=Бухгалтерия,OU=Финансовый департамент,"},
		{"ЖК Кемерово", "Прорабы", "construction-site", "OU=ЖК Кемерово,OU=Строительные объекты,"},
	}
	for _, tc := range cases {
		got, err := p.Resolve(tc.site, tc.dept)
		require.NoError(t, err, "%s / %s", tc.site, tc.dept)
		assert.Equal(t, tc.rule, got.Rule)
		assert.True(t, strings.HasPrefix(got.OU, tc.ouPrefix), "ou %s", got.OU)
		assert.True(t, strings.HasSuffix(got.OU, base))
	}
}

func TestResolveFailsClosed(t *testing.T) {
	p := DefaultPolicy(base)
	for _, tc := range [][2]string{
		{"Лобня", "Отдел информационных технологий"},
		{"Медовый", "Отдел маркетинга"},
		{"", ""},
		{"жк on", "Прорабы"},
	} {
		_, err := p.Resolve(tc[0], tc[1])
		require.Error(t, err)
		assert.Equal(t, fault.UnresolvedPlacement, fault.CategoryOf(err))
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	p := DefaultPolicy(base)
	first, err := p.Resolve("Медовый", "Отдел кадров и персонала")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Resolve("Медовый", "Отдел кадров и персонала")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "headquarters:кадро", first.Rule)
}

func TestConstructionSiteFallsBackToSharedOU(t *testing.T) {
	p := DefaultPolicy(base)
	site := "ЖК ON " + strings.Repeat("Очень длинное название ", 8)
	got, err := p.Resolve(site, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.OU, "OU=Строительные объекты,"), got.OU)

	got, err = p.Resolve("Объект ON, корпус 2", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.OU, `OU=Объект ON\, корпус 2,`), got.OU)
}

func TestEscapeRDNValue(t *testing.T) {
	assert.Equal(t, `Петров\, Иван`, EscapeRDNValue("Петров, Иван"))
	assert.Equal(t, `a\\b`, EscapeRDNValue(`a\b`))
	assert.Equal(t, `\#1`, EscapeRDNValue("#1"))
	assert.Equal(t, `\ x`, EscapeRDNValue(" x"))
	assert.Equal(t, `x\ `, EscapeRDNValue("x "))
	assert.Equal(t, `a\\\ `, EscapeRDNValue(`a\ `))
	assert.Equal(t, `\ `, EscapeRDNValue(" "))
	assert.Equal(t, `\"q\" \<x\> a\;b a\=b a\+b`, EscapeRDNValue(`"q" <x> a;b a=b a+b`))
}

func TestEscapeRoundTripsThroughDNParser(t *testing.T) {
	names := []string{
		"Иван, Петров", "a+b", `"quoted"`, "<x>", "a;b", "a=b", `back\slash`,
		" leading", "#hash", "trailing ", "Обычное Имя",
	}
	for _, name := range names {
		parsed, err := ldap.ParseDN("CN=" + EscapeRDNValue(name) + ",OU=Test," + base)
		require.NoError(t, err, name)
		require.NotEmpty(t, parsed.RDNs)
		assert.Equal(t, name, parsed.RDNs[0].Attributes[0].Value)
		assert.Len(t, parsed.RDNs, 5)
	}
}

func TestBuildDNTiers(t *testing.T) {
	ou := "OU=Test,DC=example,DC=com"
	cases := []struct {
		name string
		req  DNRequest
		tier int
		cn   string
	}{
		{"full", DNRequest{FirstName: "Иван", SecondName: "Петров", ThirdName: "Сергеевич", OU: ou}, 1, "Иван Петров Сергеевич"},
		{"first and second", DNRequest{FirstName: "Иван", SecondName: "Петров", ThirdName: strings.Repeat("Ж", 170), OU: ou}, 2, "Иван Петров"},
		{"proportional", DNRequest{FirstName: strings.Repeat("А", 100), SecondName: strings.Repeat("Б", 100), OU: ou}, 3, strings.Repeat("А", 85) + " " + strings.Repeat("Б", 85)},
		{"login", DNRequest{SecondName: strings.Repeat("Б", 180), LoginName: "b.b", OU: ou}, 4, "b.b"},
		{"external id", DNRequest{SecondName: strings.Repeat("Б", 180), ExternalID: "00042", OU: ou}, 5, "User00042"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := BuildDN(tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.tier, res.Tier)
			assert.Equal(t, tc.cn, res.CN)
			assert.Equal(t, "CN="+EscapeRDNValue(tc.cn)+","+ou, res.DN)
			assert.LessOrEqual(t, utf8.RuneCountInString(res.DN), MaxDNLength)
			assert.Len(t, res.Audit, tc.tier)
		})
	}
}

func TestBuildDNNeverExceedsCeiling(t *testing.T) {
	ous := []string{
		"OU=Test,DC=example,DC=com",
		"OU=Отдел информационных технологий,OU=Департамент обеспечения,OU=СтройТехноИнженеринг," + base,
	}
	for _, ou := range ous {
		for n := 0; n < 260; n += 13 {
			req := DNRequest{
				FirstName:  strings.Repeat("Ф,", n/2),
				SecondName: strings.Repeat("#Ы", n/3) + " ",
				ThirdName:  strings.Repeat("=", n),
				LoginName:  "f.y",
				ExternalID: "777",
				OU:         ou,
			}
			res, err := BuildDN(req)
			require.NoError(t, err)
			assert.LessOrEqual(t, utf8.RuneCountInString(res.DN), MaxDNLength, "n=%d tier=%d", n, res.Tier)
		}
	}
}

func TestBuildDNContainerTooDeep(t *testing.T) {
	ou := "OU=" + strings.Repeat("x", 195)
	_, err := BuildDN(DNRequest{FirstName: "Иван", SecondName: "Петров", ExternalID: "1", OU: ou})
	require.Error(t, err)
	assert.True(t, fault.CategoryOf(err) == fault.UnresolvedPlacement)
}
