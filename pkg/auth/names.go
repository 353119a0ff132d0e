package auth

import "math/rand/v2"

var handleAdjectives = []string{
	"amber", "brisk", "cedar", "dapper", "eager", "fabled", "gentle",
	"hardy", "ivory", "jolly", "keen", "lucid", "mellow", "nimble",
	"opal", "plucky", "quiet", "rustic", "sable", "tidy", "umber",
	"vivid", "wry", "zesty",
}

var handleAnimals = []string{
	"badger", "bittern", "crane", "dormouse", "egret", "finch", "gannet",
	"heron", "ibis", "jackdaw", "kestrel", "lapwing", "marten", "newt",
	"otter", "plover", "quail", "robin", "shrew", "teal", "vole",
	"wagtail", "wren",
}

// RandomHandle generates an adjective-animal username for anonymous
// human token requests, e.g. "plucky-heron".
func RandomHandle() string {
	adj := handleAdjectives[rand.IntN(len(handleAdjectives))]
	animal := handleAnimals[rand.IntN(len(handleAnimals))]
	return adj + "-" + animal
}
