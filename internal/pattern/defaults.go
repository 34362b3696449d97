package pattern

import "github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"

var keywords = map[crawler.DataType][]string{
	crawler.DataTypeNetzentgelte: {
		"netzentgelte", "netzentgelt", "preisblatt", "preisblätter", "netznutzung", "netzzugang", "veröffentlichungen",
	},
	crawler.DataTypeHLZF: {
		"hochlastzeitfenster", "hochlast", "hlzf", "zeitfenster", "atypische netznutzung", "netznutzung", "veröffentlichungen",
	},
}

var searchTerms = map[crawler.DataType]string{
	crawler.DataTypeNetzentgelte: "Netzentgelte Preisblatt",
	crawler.DataTypeHLZF:         "Hochlastzeitfenster",
}

var fileNames = map[crawler.DataType]string{
	crawler.DataTypeNetzentgelte: `(?i)(netzentgelt|preisblatt|entgelt)[^/]*{year}[^/]*\.(pdf|xlsx?)$`,
	crawler.DataTypeHLZF:         `(?i)(hochlast|hlzf|zeitfenster)[^/]*{year}[^/]*\.(pdf|xlsx?)$`,
}

// Keywords returns the link keywords used to find dataType on a DNO website.
func Keywords(dataType crawler.DataType) []string {
	return append([]string(nil), keywords[dataType]...)
}

// DefaultStrategies returns one untargeted strategy per pattern type. They are
// the starting point for a target with no learned patterns.
func DefaultStrategies(dataType crawler.DataType) []crawler.StrategyDefinition {
	term := searchTerms[dataType]
	return []crawler.StrategyDefinition{
		{
			Type:        crawler.PatternURL,
			DataType:    dataType,
			SearchQuery: "{target} " + term + " {year} pdf",
		},
		{
			Type:         crawler.PatternFileNaming,
			DataType:     dataType,
			LinkKeywords: Keywords(dataType),
			MaxDepth:     1,
			FilePattern:  fileNames[dataType],
		},
		{
			Type:         crawler.PatternNavigation,
			DataType:     dataType,
			LinkKeywords: Keywords(dataType),
			MaxDepth:     2,
		},
		{
			Type:        crawler.PatternContent,
			DataType:    dataType,
			SearchQuery: "{target} " + term + " {year}",
		},
		{
			Type:         crawler.PatternStructural,
			DataType:     dataType,
			LinkKeywords: Keywords(dataType),
			MaxDepth:     1,
			Selector:     "table",
		},
	}
}
