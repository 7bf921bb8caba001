// Package matcher resolves a sparse reference to its authoritative
// bibliographic record via a multi-step OpenAlex/Crossref search cascade.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/refpipe/backend/internal/domain"
	"github.com/refpipe/backend/internal/identity"
	"github.com/refpipe/backend/pkg/crossref"
	"github.com/refpipe/backend/pkg/openalex"
)

const (
	// acceptThreshold is the minimal author score a candidate must exceed.
	acceptThreshold = 0.85
	// tieWindow groups near-equal top scores for structural tie-breaking.
	tieWindow = 0.05

	stepDOI            = 0
	stepCrossref       = 8
	stepContainerOnly  = 9
	candidatesPerQuery = 10
)

// ErrQuotaExhausted reports that every search step was refused by daily
// quotas, so the row should be deferred rather than failed permanently.
var ErrQuotaExhausted = errors.New("matcher: search quota exhausted")

// Options controls optional enrichment payloads.
type Options struct {
	FetchReferences bool
	FetchCitations  bool
	MaxCitations    int
}

// Match is an accepted candidate with its enrichment payload.
type Match struct {
	Ref              *domain.Reference
	Work             openalex.Work
	FirstFoundInStep int
	AuthorScore      float64
	ReferencedWorks  []openalex.Work
	CitingWorks      []openalex.Work
}

type candidate struct {
	work  openalex.Work
	step  int
	score float64
}

// Matcher drives the search cascade against OpenAlex and Crossref.
type Matcher struct {
	openalex *openalex.Client
	crossref *crossref.Client
}

func New(oa *openalex.Client, cr *crossref.Client) *Matcher {
	return &Matcher{openalex: oa, crossref: cr}
}

// Match runs the cascade for ref. It returns nil (no error) when no candidate
// clears the confidence threshold, and ErrQuotaExhausted when every step was
// quota-refused.
func (m *Matcher) Match(ctx context.Context, ref *domain.Reference, opts Options) (*Match, error) {
	// Step 0: a DOI lookup is authoritative and skips author scoring.
	if normDOI := identity.NormalizeDOI(ref.DOI); normDOI != "" {
		works, err := m.openalex.FilterWorks(ctx, "doi:"+normDOI, 1)
		if err != nil && !isQuota(err) {
			log.WithError(err).WithField("doi", normDOI).Warn("doi lookup failed")
		}
		if len(works) > 0 {
			return m.accept(ctx, ref, candidate{work: works[0], step: stepDOI, score: 1}, opts)
		}
	}

	pool, quotaRefusals, stepsRun := m.collectCandidates(ctx, ref)
	if len(pool) == 0 {
		if stepsRun > 0 && quotaRefusals == stepsRun {
			return nil, ErrQuotaExhausted
		}
		return nil, nil
	}

	m.promoteCrossrefCandidates(ctx, pool)

	refAuthors := ref.Authors
	candidates := make([]candidate, 0, len(pool))
	for _, c := range pool {
		c.score = authorMatchScore(refAuthors, ref.Editors, c.work.AuthorNames())
		candidates = append(candidates, *c)
	}

	best := selectCandidate(ref, candidates)
	if best == nil || best.score <= acceptThreshold {
		return nil, nil
	}
	return m.accept(ctx, ref, *best, opts)
}

// collectCandidates runs steps 1–9, merging results keyed by work ID with the
// lowest step retained. Failed steps return empty and the cascade proceeds.
func (m *Matcher) collectCandidates(ctx context.Context, ref *domain.Reference) (map[string]*candidate, int, int) {
	pool := make(map[string]*candidate)
	quotaRefusals := 0
	stepsRun := 0

	add := func(step int, works []openalex.Work) {
		for _, w := range works {
			key := identity.NormalizeOpenAlexID(w.ID)
			if key == "" {
				key = "crossref:" + identity.NormalizeDOI(w.DOI)
			}
			if key == "crossref:" {
				continue
			}
			if _, seen := pool[key]; !seen {
				pool[key] = &candidate{work: w, step: step}
			}
		}
	}

	runFilter := func(step int, filter string) {
		stepsRun++
		works, err := m.openalex.FilterWorks(ctx, filter, candidatesPerQuery)
		if err != nil {
			if isQuota(err) {
				quotaRefusals++
			} else {
				log.WithError(err).WithField("step", step).Debug("cascade step failed")
			}
			return
		}
		add(step, works)
	}
	runSearch := func(step int, query string) {
		stepsRun++
		works, err := m.openalex.SearchWorks(ctx, query, candidatesPerQuery)
		if err != nil {
			if isQuota(err) {
				quotaRefusals++
			} else {
				log.WithError(err).WithField("step", step).Debug("cascade step failed")
			}
			return
		}
		add(step, works)
	}

	title := strings.TrimSpace(ref.Title)
	container := strings.TrimSpace(ref.Journal)
	hasYear := ref.Year != nil

	if title != "" {
		names := fmt.Sprintf("%q", title)
		if container != "" {
			names += "|" + fmt.Sprintf("%q", container)
		}
		unquoted := title
		if container != "" {
			unquoted += "|" + container
		}

		// Steps 1–3: title (and container) constrained by year, decreasing
		// exactness; 4–6: the same shapes without the year.
		if hasYear {
			year := *ref.Year
			runFilter(1, fmt.Sprintf("display_name:%s,publication_year:%d", names, year))
			runFilter(2, fmt.Sprintf("display_name.search:%s,publication_year:%d", names, year))
			runFilter(3, fmt.Sprintf("display_name.search:%s,publication_year:%d", unquoted, year))
		}
		runFilter(4, "display_name:"+names)
		runFilter(5, "display_name.search:"+names)
		runFilter(6, "display_name.search:"+unquoted)

		// Step 7: free-text search.
		runSearch(7, title)

		// Step 8: Crossref fallback, converted to the OpenAlex record shape.
		stepsRun++
		query := title
		if container != "" {
			query += " " + container
		}
		if hasYear {
			query += fmt.Sprintf(" %d", *ref.Year)
		}
		crWorks, err := m.crossref.Query(ctx, query, candidatesPerQuery)
		if err != nil {
			if isQuota(err) {
				quotaRefusals++
			} else {
				log.WithError(err).Debug("crossref step failed")
			}
		} else {
			add(stepCrossref, convertCrossref(crWorks))
		}
	} else if container != "" {
		// Step 9: no title at all; search by container as a last resort.
		runSearch(stepContainerOnly, container)
	}

	return pool, quotaRefusals, stepsRun
}

// promoteCrossrefCandidates feeds Crossref DOIs back through the OpenAlex DOI
// filter so a Crossref-only hit gains the richer OpenAlex record. The
// candidate keeps its original step.
func (m *Matcher) promoteCrossrefCandidates(ctx context.Context, pool map[string]*candidate) {
	for key, c := range pool {
		if !strings.HasPrefix(key, "crossref:") {
			continue
		}
		normDOI := strings.TrimPrefix(key, "crossref:")
		works, err := m.openalex.FilterWorks(ctx, "doi:"+normDOI, 1)
		if err != nil || len(works) == 0 {
			continue
		}
		promoted := works[0]
		newKey := identity.NormalizeOpenAlexID(promoted.ID)
		if newKey == "" {
			continue
		}
		delete(pool, key)
		if existing, seen := pool[newKey]; seen {
			if c.step < existing.step {
				existing.step = c.step
			}
			continue
		}
		pool[newKey] = &candidate{work: promoted, step: c.step}
	}
}

// selectCandidate orders candidates by score then step and applies the
// structural tie-breaks inside the top cluster.
func selectCandidate(ref *domain.Reference, candidates []candidate) *candidate {
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].step < candidates[j].step
	})

	top := candidates[0]
	cluster := []candidate{top}
	for _, c := range candidates[1:] {
		if top.score-c.score <= tieWindow {
			cluster = append(cluster, c)
		}
	}
	if len(cluster) == 1 {
		return &top
	}

	refTitle := identity.NormalizeTitle(ref.Title)
	sort.SliceStable(cluster, func(i, j int) bool {
		iExact := identity.NormalizeTitle(cluster[i].work.BestTitle()) == refTitle && refTitle != ""
		jExact := identity.NormalizeTitle(cluster[j].work.BestTitle()) == refTitle && refTitle != ""
		if iExact != jExact {
			return iExact
		}
		if ref.Year != nil {
			iDist := yearDistance(*ref.Year, cluster[i].work.PublicationYear)
			jDist := yearDistance(*ref.Year, cluster[j].work.PublicationYear)
			if iDist != jDist {
				return iDist < jDist
			}
		}
		return cluster[i].step < cluster[j].step
	})
	return &cluster[0]
}

func yearDistance(ref, cand int) int {
	if cand == 0 {
		return 1 << 16
	}
	d := ref - cand
	if d < 0 {
		d = -d
	}
	return d
}

// accept builds the enriched record and fetches the optional reference and
// citation payloads.
func (m *Matcher) accept(ctx context.Context, ref *domain.Reference, c candidate, opts Options) (*Match, error) {
	match := &Match{
		Ref:              enrichedRecord(ref, &c.work),
		Work:             c.work,
		FirstFoundInStep: c.step,
		AuthorScore:      c.score,
	}

	if opts.FetchReferences && len(c.work.ReferencedWorks) > 0 {
		ids := make([]string, 0, len(c.work.ReferencedWorks))
		for _, raw := range c.work.ReferencedWorks {
			if id := identity.NormalizeOpenAlexID(raw); id != "" {
				ids = append(ids, id)
			}
		}
		for start := 0; start < len(ids); start += 50 {
			end := start + 50
			if end > len(ids) {
				end = len(ids)
			}
			works, err := m.openalex.WorksBatch(ctx, ids[start:end])
			if err != nil {
				log.WithError(err).Warn("referenced works batch failed")
				break
			}
			match.ReferencedWorks = append(match.ReferencedWorks, works...)
		}
	}

	if opts.FetchCitations && c.work.CitedByAPIURL != "" {
		works, err := m.openalex.CitedBy(ctx, c.work.CitedByAPIURL, opts.MaxCitations)
		if err != nil {
			log.WithError(err).Warn("citing works fetch failed")
		}
		match.CitingWorks = works
	}

	return match, nil
}

// enrichedRecord maps an accepted work onto the reference, preserving the
// reference's provenance fields.
func enrichedRecord(ref *domain.Reference, w *openalex.Work) *domain.Reference {
	out := *ref
	if t := w.BestTitle(); t != "" {
		out.Title = t
	}
	if names := w.AuthorNames(); len(names) > 0 {
		out.Authors = names
	}
	if w.PublicationYear > 0 {
		y := w.PublicationYear
		out.Year = &y
	}
	if doi := identity.NormalizeDOI(w.DOI); doi != "" {
		out.DOI = doi
	}
	if id := identity.NormalizeOpenAlexID(w.ID); id != "" {
		out.OpenAlexID = id
	}
	if pmid := w.PMID(); pmid != "" {
		out.PMID = pmid
	}
	if abstract := openalex.ReconstructAbstract(w.AbstractInvertedIndex); abstract != "" {
		out.Abstract = abstract
	}
	if len(w.Keywords) > 0 {
		kws := make([]string, 0, len(w.Keywords))
		for _, k := range w.Keywords {
			if k.DisplayName != "" {
				kws = append(kws, k.DisplayName)
			}
		}
		out.Keywords = kws
	}
	if w.PrimaryLocation != nil && w.PrimaryLocation.Source != nil {
		if w.PrimaryLocation.Source.DisplayName != "" {
			out.Journal = w.PrimaryLocation.Source.DisplayName
		}
		if w.PrimaryLocation.Source.HostOrganizationName != "" {
			out.Publisher = w.PrimaryLocation.Source.HostOrganizationName
		}
	}
	if w.Biblio != nil {
		if w.Biblio.Volume != "" {
			out.Volume = w.Biblio.Volume
		}
		if w.Biblio.Issue != "" {
			out.Issue = w.Biblio.Issue
		}
		if w.Biblio.FirstPage != "" {
			out.Pages = w.Biblio.FirstPage
			if w.Biblio.LastPage != "" {
				out.Pages += "-" + w.Biblio.LastPage
			}
		}
	}
	if w.Type != "" {
		out.Type = w.Type
	}
	// A known open copy becomes the download cascade's direct URL.
	if w.OpenAccess != nil && w.OpenAccess.OAURL != "" {
		out.DirectURL = w.OpenAccess.OAURL
	} else if w.PrimaryLocation != nil && w.PrimaryLocation.PDFURL != "" {
		out.DirectURL = w.PrimaryLocation.PDFURL
	}
	out.SourceType = domain.SourceOpenAlex
	return &out
}

// convertCrossref maps Crossref items into the OpenAlex work shape used by
// the candidate pool.
func convertCrossref(items []crossref.Work) []openalex.Work {
	out := make([]openalex.Work, 0, len(items))
	for _, item := range items {
		w := openalex.Work{
			DOI:             item.DOI,
			Title:           item.BestTitle(),
			DisplayName:     item.BestTitle(),
			PublicationYear: item.Year(),
			Type:            item.Type,
		}
		for _, name := range item.AuthorNames() {
			var a openalex.Authorship
			a.Author.DisplayName = name
			w.Authorships = append(w.Authorships, a)
		}
		if c := item.Container(); c != "" {
			w.PrimaryLocation = &openalex.Location{Source: &openalex.Source{DisplayName: c}}
		}
		out = append(out, w)
	}
	return out
}

func isQuota(err error) bool {
	return errors.Is(err, openalex.ErrQuotaExhausted) || errors.Is(err, crossref.ErrQuotaExhausted)
}
