package interpreter

import "github.com/Kocoro-lab/taskgraph/internal/tasks"

// DefaultRules returns the built-in instruction patterns: reports (with a
// research step when the instruction asks for one), data analysis, project
// planning, and a single casual task for anything else. Keywords cover
// English and Japanese instructions.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Rules: []Rule{
			{
				Name:     "report",
				Keywords: []string{"report", "レポート"},
				Variants: []Variant{
					{
						WhenAny: []string{
							"research", "investigat", "search", "analy", "market", "trend", "competitor",
							"情報収集", "調査", "検索", "分析", "市場", "技術動向", "競合",
						},
						Nodes: []NodeTemplate{
							{
								Ref:           "research",
								AgentType:     tasks.AgentWeb,
								ReferenceType: tasks.ReferenceWebSearch,
								Description:   "Search for the information needed for: {instruction}",
								Tags:          []string{"research"},
							},
							{
								Ref:         "draft",
								AgentType:   tasks.AgentCasual,
								Description: "Draft the report",
								Tags:        []string{"report"},
								DependsOn:   []string{"research"},
							},
						},
					},
				},
				Nodes: []NodeTemplate{
					{
						AgentType:   tasks.AgentCasual,
						Description: "Write report: {instruction}",
						Tags:        []string{"report"},
					},
				},
			},
			{
				Name: "data_analysis",
				Keywords: []string{
					"data analysis", "forecast", "predict", "model", "python", "code",
					"データ分析", "予測", "モデル", "コード",
				},
				Nodes: []NodeTemplate{
					{
						Ref:         "analysis",
						AgentType:   tasks.AgentCoder,
						Description: "Process and analyze data: {instruction}",
						Tags:        []string{"data-analysis"},
					},
					{
						AgentType:   tasks.AgentCasual,
						Description: "Write a report of the analysis results",
						Tags:        []string{"report", "analysis"},
						DependsOn:   []string{"analysis"},
					},
				},
			},
			{
				Name: "project",
				Keywords: []string{
					"project", "develop", "web service", "system", "design",
					"プロジェクト", "開発", "webサービス", "システム", "設計",
				},
				Nodes: []NodeTemplate{
					{
						Ref:           "research",
						AgentType:     tasks.AgentWeb,
						ReferenceType: tasks.ReferenceWebSearch,
						Description:   "Research for the project: {instruction}",
						Tags:          []string{"research", "planning"},
					},
					{
						AgentType:   tasks.AgentCasual,
						Description: "Write the planning and design document",
						Tags:        []string{"planning", "design"},
						DependsOn:   []string{"research"},
					},
				},
			},
		},
		Fallback: []NodeTemplate{
			{
				AgentType:   tasks.AgentCasual,
				Description: "{instruction}",
				Tags:        []string{"general"},
			},
		},
	}
}
