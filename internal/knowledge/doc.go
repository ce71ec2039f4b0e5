// Package knowledge searches for fixes to a failure across three tiers:
// past chat threads, the similarity store of previously applied fixes, and
// a generative model. Chain consults them cheapest first and stops at the
// first tier that produces a usable candidate.
package knowledge
